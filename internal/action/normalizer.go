package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Normalizer converts raw tool invocation results to canonical text and
// persists the outcome: the action's terminal completed status, its result
// text, and an indexable document derived from that text, all in one
// transaction.
type Normalizer struct {
	store *Store
}

// NewNormalizer binds a normalizer to its transactional store.
func NewNormalizer(store *Store) *Normalizer {
	return &Normalizer{store: store}
}

// UpdateActionWithResult marks the action completed with the canonical
// text of rawResult. Non-empty text also yields one linked Document. Any
// failure rolls the whole update back; the action is never observed
// half-updated.
func (n *Normalizer) UpdateActionWithResult(ctx context.Context, actionID string, rawResult any) (Action, error) {
	text := Canonicalize(rawResult)

	tx, err := n.store.db.BeginTx(ctx, nil)
	if err != nil {
		return Action{}, fmt.Errorf("action store begin result update: %w", err)
	}
	defer tx.Rollback()

	if err := updateActionTx(ctx, tx, actionID, StatusCompleted, text); err != nil {
		return Action{}, err
	}

	if text != "" {
		doc := Document{
			Text: text,
			Metadata: DocumentMetadata{
				Kind:      "full",
				Origin:    "action",
				ActionID:  actionID,
				Indexable: true,
			},
		}
		if err := insertDocumentTx(ctx, tx, actionID, doc); err != nil {
			return Action{}, err
		}
	}

	updated, err := getActionTx(ctx, tx, actionID)
	if err != nil {
		return Action{}, err
	}

	if err := tx.Commit(); err != nil {
		return Action{}, fmt.Errorf("action store commit result update: %w", err)
	}
	return updated, nil
}

// Canonicalize reduces a raw invocation result to text. Rules apply in
// order, first match wins:
//
//  1. a string is used verbatim
//  2. an object whose "content" is a non-empty sequence starting with a
//     {"type": "text", "text": ...} element uses that text
//  3. an object with any other "content" shape serializes whole
//  4. any other object yields a line-per-field digest of well-known
//     fields, or serializes whole when none are present
//  5. everything else serializes whole
func Canonicalize(raw any) string {
	if text, ok := raw.(string); ok {
		return text
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return serializeResult(raw)
	}

	if content, has := obj["content"]; has {
		if text, ok := firstContentText(content); ok {
			return text
		}
		return serializeResult(raw)
	}

	if digest := wellKnownDigest(obj); digest != "" {
		return digest
	}
	return serializeResult(raw)
}

// firstContentText matches the protocol content shape: a non-empty
// sequence whose first element is {"type": "text", "text": <string>}.
func firstContentText(content any) (string, bool) {
	items, ok := content.([]any)
	if !ok || len(items) == 0 {
		return "", false
	}
	first, ok := items[0].(map[string]any)
	if !ok {
		return "", false
	}
	if kind, _ := first["type"].(string); kind != "text" {
		return "", false
	}
	text, ok := first["text"].(string)
	return text, ok
}

// digestFields are the well-known result fields, in emission order.
// "content" never appears here: objects carrying it are handled earlier.
var digestFields = []string{"id", "name", "text", "description", "source"}

func wellKnownDigest(obj map[string]any) string {
	var lines []string
	appendField := func(name string, value any) {
		text := strings.TrimSpace(stringify(value))
		if text != "" {
			lines = append(lines, name+": "+text)
		}
	}

	for _, field := range digestFields {
		if value, has := obj[field]; has {
			appendField(field, value)
		}
		if field == "description" {
			if meta, ok := obj["metadata"].(map[string]any); ok {
				if v, has := meta["description"]; has {
					appendField("metadata.description", v)
				}
				if v, has := meta["source"]; has {
					appendField("metadata.source", v)
				}
			}
		}
	}
	return strings.Join(lines, "\n")
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return serializeResult(v)
	}
}

func serializeResult(raw any) string {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%v", raw)
	}
	return string(data)
}
