package conversation

import (
	"encoding/json"
	"os"
	"time"

	"github.com/psantana5/memguard/pkg/logging"
)

// TokenCounts tracks token usage for the active conversation
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Context is the normalized view of the supervised application's session
// record, carried across restarts.
type Context struct {
	ActiveConversationID string                 `json:"active_conversation_id"`
	Title                string                 `json:"title"`
	MessageCount         int                    `json:"message_count"`
	TokenCounts          TokenCounts            `json:"token_counts"`
	Preferences          map[string]interface{} `json:"preferences,omitempty"`
	OpenFiles            []string               `json:"open_files,omitempty"`
	TotalConversations   int                    `json:"total_conversations"`
	ExtractedAt          time.Time              `json:"extracted_at"`
}

// sessionRecord mirrors the supervised application's own on-disk session
// format. Only the fields the guardian carries across restarts are decoded.
type sessionRecord struct {
	ActiveConversation string                 `json:"active_conversation"`
	Conversations      []conversationRecord   `json:"conversations"`
	Preferences        map[string]interface{} `json:"preferences"`
	OpenFiles          []string               `json:"open_files"`
}

type conversationRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
	Tokens       struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
	} `json:"tokens"`
}

// Extractor reads the supervised application's session record and produces a
// normalized Context. It is deliberately forgiving: a missing record yields
// an empty context and a malformed record yields whatever parsed, so the
// guardian loop never stalls on the host application's state.
type Extractor struct {
	sessionPath string
	logger      *logging.Logger
}

// NewExtractor creates an extractor for the given session record path
func NewExtractor(sessionPath string, logger *logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Extractor{
		sessionPath: sessionPath,
		logger:      logger,
	}
}

// Extract produces the current conversation context. fullDetail includes
// preferences and open files; without it only the conversation identity and
// counters are carried.
func (e *Extractor) Extract(fullDetail bool) *Context {
	ctx := &Context{ExtractedAt: time.Now()}

	if e.sessionPath == "" {
		return ctx
	}

	data, err := os.ReadFile(e.sessionPath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("Failed to read session record", map[string]interface{}{
				"path": e.sessionPath, "error": err.Error(),
			})
		}
		return ctx
	}

	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// Malformed record: salvage the fields that still parse
		e.logger.Warn("Session record malformed, using partial parse", map[string]interface{}{
			"path": e.sessionPath, "error": err.Error(),
		})
		record = salvage(data)
	}

	ctx.TotalConversations = len(record.Conversations)

	active := activeConversation(&record)
	if active != nil {
		ctx.ActiveConversationID = active.ID
		ctx.Title = active.Title
		ctx.MessageCount = active.MessageCount
		ctx.TokenCounts = TokenCounts{
			Input:  active.Tokens.Input,
			Output: active.Tokens.Output,
		}
	}

	if fullDetail {
		ctx.Preferences = record.Preferences
		ctx.OpenFiles = record.OpenFiles
	}

	return ctx
}

// activeConversation picks the conversation named by the record, falling back
// to the last entry when the pointer is absent or dangling.
func activeConversation(record *sessionRecord) *conversationRecord {
	if len(record.Conversations) == 0 {
		return nil
	}
	if record.ActiveConversation != "" {
		for i := range record.Conversations {
			if record.Conversations[i].ID == record.ActiveConversation {
				return &record.Conversations[i]
			}
		}
	}
	return &record.Conversations[len(record.Conversations)-1]
}

// salvage decodes a malformed session record field by field, keeping
// whatever still parses.
func salvage(data []byte) sessionRecord {
	var record sessionRecord

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return record
	}

	if raw, ok := fields["active_conversation"]; ok {
		json.Unmarshal(raw, &record.ActiveConversation)
	}
	if raw, ok := fields["conversations"]; ok {
		// Try the whole list first, then element by element
		if err := json.Unmarshal(raw, &record.Conversations); err != nil {
			var elems []json.RawMessage
			if json.Unmarshal(raw, &elems) == nil {
				for _, elem := range elems {
					var conv conversationRecord
					if json.Unmarshal(elem, &conv) == nil {
						record.Conversations = append(record.Conversations, conv)
					}
				}
			}
		}
	}
	if raw, ok := fields["preferences"]; ok {
		json.Unmarshal(raw, &record.Preferences)
	}
	if raw, ok := fields["open_files"]; ok {
		json.Unmarshal(raw, &record.OpenFiles)
	}

	return record
}
