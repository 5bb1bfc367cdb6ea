// Package bus is the file-based channel between workers and the operator.
// Each message is agent_<id>.json in a shared directory; its answer is
// response_<id>.json next to it.
package bus

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"crewctl/internal/eventbus"
	"crewctl/internal/hsm"
	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/store"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrAlreadyResolved  = errors.New("message does not accept a response")
	ErrInvalidMessageID = errors.New("invalid message id")
)

const (
	messagePrefix  = "agent_"
	responsePrefix = "response_"
	fileSuffix     = ".json"
)

type SendOptions struct {
	RequiresResponse bool
	QuickActions     []string
	Priority         model.MessagePriority
}

type Stats struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Answered      int `json:"answered"`
	Informational int `json:"informational"`
}

type Bus struct {
	Dir          string
	PollInterval time.Duration

	mu     sync.Mutex
	events eventbus.Emitter
	now    func() time.Time
}

func New(dir string, pollInterval time.Duration, events eventbus.Emitter) *Bus {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Bus{Dir: dir, PollInterval: pollInterval, events: events, now: time.Now}
}

// Send persists a message and returns its id.
func (b *Bus) Send(ctx context.Context, agentID string, msgType model.MessageType, content string, opts SendOptions) (string, error) {
	now := b.now().UTC()
	priority := opts.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	quickActions := opts.QuickActions
	if quickActions == nil {
		quickActions = []string{}
	}
	msg := model.Message{
		ID:               newMessageID(now),
		AgentID:          strings.TrimSpace(agentID),
		Type:             msgType,
		Content:          content,
		RequiresResponse: opts.RequiresResponse,
		QuickActions:     quickActions,
		Priority:         priority,
		Timestamp:        now,
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if err := b.writeJSON(b.messagePath(msg.ID), msg); err != nil {
		return "", err
	}
	logging.Debug(ctx, "message sent", "id", msg.ID, "agent", msg.AgentID, "type", string(msg.Type))
	b.emit(ctx, model.Event{
		Topic:   model.TopicMessageSent,
		Actor:   model.EventActorWorker,
		Role:    model.Role(msg.AgentID),
		Summary: msg.Content,
		Attributes: map[string]string{
			"message_id":        msg.ID,
			"type":              string(msg.Type),
			"priority":          string(msg.Priority),
			"requires_response": boolString(msg.RequiresResponse),
		},
	})
	return msg.ID, nil
}

// Messages returns every stored message ordered by timestamp.
func (b *Bus) Messages() ([]model.Message, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Message{}, nil
		}
		return nil, errors.Wrapf(err, "read message dir %s", b.Dir)
	}
	messages := []model.Message{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, messagePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		var msg model.Message
		ok, err := readJSON(filepath.Join(b.Dir, name), &msg)
		if err != nil || !ok {
			// a file removed by cleanup or half-written by another writer is skipped
			continue
		}
		messages = append(messages, msg)
	}
	sortByTimestamp(messages)
	return messages, nil
}

// PendingMessages returns messages awaiting a response, oldest first.
func (b *Bus) PendingMessages() ([]model.Message, error) {
	messages, err := b.Messages()
	if err != nil {
		return nil, err
	}
	pending := []model.Message{}
	for _, msg := range messages {
		state, err := b.state(msg)
		if err != nil {
			return nil, err
		}
		if state == model.MessageStatePending {
			pending = append(pending, msg)
		}
	}
	return pending, nil
}

func (b *Bus) Message(id string) (model.Message, bool, error) {
	if !validID(id) {
		return model.Message{}, false, ErrInvalidMessageID
	}
	var msg model.Message
	ok, err := readJSON(b.messagePath(id), &msg)
	return msg, ok, err
}

func (b *Bus) Response(id string) (model.Response, bool, error) {
	if !validID(id) {
		return model.Response{}, false, ErrInvalidMessageID
	}
	var response model.Response
	ok, err := readJSON(b.responsePath(id), &response)
	return response, ok, err
}

// Respond answers a pending message.
func (b *Bus) Respond(ctx context.Context, id string, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, ok, err := b.Message(id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrMessageNotFound, "respond %s", id)
	}
	state, err := b.state(msg)
	if err != nil {
		return err
	}
	if state != model.MessageStatePending || !hsm.CanTransitionMessage(state, model.MessageStateResponded) {
		return errors.Wrapf(ErrAlreadyResolved, "respond %s (state %s)", id, state)
	}
	response := model.Response{MessageID: id, Text: text, Timestamp: b.now().UTC()}
	if err := b.writeJSON(b.responsePath(id), response); err != nil {
		return err
	}
	logging.Info(ctx, "message answered", "id", id, "agent", msg.AgentID)
	b.emit(ctx, model.Event{
		Topic:      model.TopicMessageResponded,
		Actor:      model.EventActorOperator,
		Role:       model.Role(msg.AgentID),
		Summary:    text,
		Attributes: map[string]string{"message_id": id},
	})
	return nil
}

// AwaitResponse blocks until the response exists, ctx ends or timeout
// elapses. A timeout yields false, never an error.
func (b *Bus) AwaitResponse(ctx context.Context, id string, timeout time.Duration) (string, bool) {
	if !validID(id) {
		return "", false
	}
	if text, ok := b.responseText(id); ok {
		return text, true
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		logging.Warn(ctx, "message dir unavailable", "dir", b.Dir, "error", err.Error())
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	var changes <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(b.Dir); err == nil {
			changes = watcher.Events
		}
	}

	target := filepath.Base(b.responsePath(id))
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			logging.Debug(ctx, "await response timed out", "id", id, "kind", string(model.FailureMessageTimeout))
			return "", false
		case event, open := <-changes:
			if !open {
				changes = nil
				continue
			}
			if filepath.Base(event.Name) != target || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
		case <-ticker.C:
		}
		if text, ok := b.responseText(id); ok {
			return text, true
		}
	}
}

// CleanupOlderThan removes message and response files older than days and
// returns the number of files removed. Unanswered questions removed here
// expire.
func (b *Bus) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, errors.Errorf("cleanup days must be >= 0, got %d", days)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "read message dir %s", b.Dir)
	}
	cutoff := b.now().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		isMessage := strings.HasPrefix(name, messagePrefix)
		if !isMessage && !strings.HasPrefix(name, responsePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(b.Dir, name)
		if isMessage {
			id := strings.TrimSuffix(strings.TrimPrefix(name, messagePrefix), fileSuffix)
			var msg model.Message
			if ok, _ := readJSON(path, &msg); ok {
				if state, err := b.state(msg); err == nil && state == model.MessageStatePending && hsm.CanTransitionMessage(state, model.MessageStateExpired) {
					logging.Info(ctx, "message expired", "id", id, "agent", msg.AgentID)
				}
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "remove %s", path)
		}
		removed++
	}
	return removed, nil
}

// LastProgress returns when agentID last reported status or progress.
func (b *Bus) LastProgress(agentID string) (time.Time, bool) {
	messages, err := b.Messages()
	if err != nil {
		return time.Time{}, false
	}
	var latest time.Time
	for _, msg := range messages {
		if msg.AgentID != agentID {
			continue
		}
		if msg.Type != model.MessageTypeProgress && msg.Type != model.MessageTypeStatus {
			continue
		}
		if msg.Timestamp.After(latest) {
			latest = msg.Timestamp
		}
	}
	return latest, !latest.IsZero()
}

func (b *Bus) Stats() (Stats, error) {
	messages, err := b.Messages()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(messages)}
	for _, msg := range messages {
		state, err := b.state(msg)
		if err != nil {
			return Stats{}, err
		}
		switch state {
		case model.MessageStatePending:
			stats.Pending++
		case model.MessageStateResponded:
			stats.Answered++
		default:
			stats.Informational++
		}
	}
	return stats, nil
}

// SortForTriage orders messages by priority, most urgent first, then age.
func SortForTriage(messages []model.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if ri, rj := messages[i].Priority.Rank(), messages[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
}

func (b *Bus) state(msg model.Message) (model.MessageState, error) {
	state := msg.InitialState()
	if state != model.MessageStatePending {
		return state, nil
	}
	_, err := os.Stat(b.responsePath(msg.ID))
	switch {
	case err == nil:
		return model.MessageStateResponded, nil
	case os.IsNotExist(err):
		return model.MessageStatePending, nil
	default:
		return "", errors.Wrapf(err, "stat response %s", msg.ID)
	}
}

func (b *Bus) responseText(id string) (string, bool) {
	response, ok, err := b.Response(id)
	if err != nil || !ok {
		return "", false
	}
	return response.Text, true
}

func (b *Bus) messagePath(id string) string {
	return filepath.Join(b.Dir, messagePrefix+id+fileSuffix)
}

func (b *Bus) responsePath(id string) string {
	return filepath.Join(b.Dir, responsePrefix+id+fileSuffix)
}

func (b *Bus) writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal message file")
	}
	return store.WriteFileAtomic(path, data, 0o644)
}

func (b *Bus) emit(ctx context.Context, event model.Event) {
	if b.events != nil {
		b.events.Emit(ctx, event)
	}
}

func readJSON(path string, target any) (bool, error) {
	data, ok, err := store.ReadFileIfExists(path)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return false, errors.Wrapf(err, "parse %s", path)
	}
	return true, nil
}

func sortByTimestamp(messages []model.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
}

func newMessageID(at time.Time) string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(at), rand.Reader).String())
}

// validID keeps ids from escaping the message directory.
func validID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
