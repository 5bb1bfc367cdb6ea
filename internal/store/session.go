package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"

	"crewctl/internal/hsm"
	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/procs"
)

var (
	ErrNoSession         = errors.New("no session exists")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrDuplicatePID      = errors.New("a running agent already uses this pid")
	ErrIllegalTransition = errors.New("illegal agent status transition")
)

const (
	sessionFileMode = 0o644
	tempFilePattern = ".session-*.tmp"
)

// InstanceLockedError reports that another orchestrator process holds the
// session lock.
type InstanceLockedError struct {
	LockPath string
	Holder   string
}

func (e *InstanceLockedError) Error() string {
	base := fmt.Sprintf("session document is locked by another process (lock=%s)", strings.TrimSpace(e.LockPath))
	if strings.TrimSpace(e.Holder) != "" {
		base += fmt.Sprintf("; holder=%s", strings.TrimSpace(e.Holder))
	}
	return base
}

// SessionStore is the durable registry of the active session. Every mutation
// reads the whole document, applies the change and replaces the file via
// write-then-rename while holding the lock file.
type SessionStore struct {
	Path        string
	LockPath    string
	LockTimeout time.Duration

	mu  sync.Mutex
	now func() time.Time
}

func NewSessionStore(path string, lockPath string) *SessionStore {
	if strings.TrimSpace(path) == "" {
		path = ".crewctl/session.json"
	}
	if strings.TrimSpace(lockPath) == "" {
		lockPath = filepath.Join(filepath.Dir(path), "locks", "session.lock")
	}
	return &SessionStore{
		Path:        path,
		LockPath:    lockPath,
		LockTimeout: 5 * time.Second,
		now:         time.Now,
	}
}

func (s *SessionStore) CreateSession(ctx context.Context, taskDescription string) (model.Session, error) {
	now := s.now().UTC()
	session := model.Session{
		SessionID:       generateSessionID(now),
		StartTime:       now,
		TaskDescription: taskDescription,
		Status:          model.SessionStatusActive,
		Agents:          []model.WorkerRecord{},
	}
	err := s.withLock(func() error {
		return s.write(session)
	})
	if err != nil {
		return model.Session{}, err
	}
	logging.Info(ctx, "session created", "session_id", session.SessionID)
	return session, nil
}

func (s *SessionStore) ReadSession() (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// EnsureSession returns the active session, creating one when none exists
// or the previous one is closed.
func (s *SessionStore) EnsureSession(ctx context.Context, taskDescription string) (model.Session, error) {
	session, err := s.ReadSession()
	if err == nil && session.Status == model.SessionStatusActive {
		return session, nil
	}
	if err != nil && !errors.Is(err, ErrNoSession) {
		return model.Session{}, err
	}
	return s.CreateSession(ctx, taskDescription)
}

func (s *SessionStore) AddAgent(ctx context.Context, role model.Role, pid int, worktreePath string, task string) error {
	err := s.mutate(func(session *model.Session) error {
		for _, agent := range session.Agents {
			if agent.PID == pid && agent.Status == model.WorkerStatusRunning {
				return errors.Wrapf(ErrDuplicatePID, "pid %d", pid)
			}
		}
		// a reused pid replaces the finished record so pids stay unique
		kept := session.Agents[:0]
		for _, agent := range session.Agents {
			if agent.PID != pid {
				kept = append(kept, agent)
			}
		}
		session.Agents = append(kept, model.WorkerRecord{
			Role:         role,
			PID:          pid,
			WorktreePath: worktreePath,
			Task:         task,
			StartTime:    s.now().UTC(),
			Status:       model.WorkerStatusRunning,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info(ctx, "agent registered", "role", string(role), "pid", pid, "worktree", worktreePath)
	return nil
}

func (s *SessionStore) UpdateAgentStatus(ctx context.Context, pid int, status model.WorkerStatus, completionTime *time.Time) error {
	var from model.WorkerStatus
	err := s.mutate(func(session *model.Session) error {
		index, ok := session.FindAgent(pid)
		if !ok {
			return errors.Wrapf(ErrAgentNotFound, "pid %d", pid)
		}
		agent := &session.Agents[index]
		from = agent.Status
		if !hsm.CanTransitionWorker(agent.Status, status) {
			return errors.Wrapf(ErrIllegalTransition, "%s -> %s", agent.Status, status)
		}
		agent.Status = status
		if status.Terminal() && agent.CompletionTime == nil {
			stamp := s.now().UTC()
			if completionTime != nil {
				stamp = completionTime.UTC()
			}
			agent.CompletionTime = &stamp
		}
		return nil
	})
	if err != nil {
		return err
	}
	if from != status {
		logging.Info(ctx, "agent status updated", "pid", pid, "from", string(from), "to", string(status))
	}
	return nil
}

func (s *SessionStore) RemoveAgent(ctx context.Context, pid int) error {
	err := s.mutate(func(session *model.Session) error {
		index, ok := session.FindAgent(pid)
		if !ok {
			return errors.Wrapf(ErrAgentNotFound, "pid %d", pid)
		}
		session.Agents = append(session.Agents[:index], session.Agents[index+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info(ctx, "agent removed", "pid", pid)
	return nil
}

func (s *SessionStore) GetActiveAgents() ([]model.WorkerRecord, error) {
	agents, err := s.GetAllAgents()
	if err != nil {
		return nil, err
	}
	active := make([]model.WorkerRecord, 0, len(agents))
	for _, agent := range agents {
		if agent.Status == model.WorkerStatusRunning {
			active = append(active, agent)
		}
	}
	return active, nil
}

func (s *SessionStore) GetAllAgents() ([]model.WorkerRecord, error) {
	session, err := s.ReadSession()
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return []model.WorkerRecord{}, nil
		}
		return nil, err
	}
	out := make([]model.WorkerRecord, len(session.Agents))
	copy(out, session.Agents)
	return out, nil
}

func (s *SessionStore) SessionStatus() (model.SessionCounts, error) {
	agents, err := s.GetAllAgents()
	if err != nil {
		return model.SessionCounts{}, err
	}
	counts := model.SessionCounts{Total: len(agents)}
	for _, agent := range agents {
		switch agent.Status {
		case model.WorkerStatusRunning:
			counts.Active++
		case model.WorkerStatusCompleted:
			counts.Completed++
		case model.WorkerStatusFailed:
			counts.Failed++
		case model.WorkerStatusStopped:
			counts.Stopped++
		}
	}
	return counts, nil
}

// CloseSession marks the session completed. Closing twice keeps the first
// end time.
func (s *SessionStore) CloseSession(ctx context.Context) error {
	err := s.mutate(func(session *model.Session) error {
		if !hsm.CanTransitionSession(session.Status, model.SessionStatusCompleted) {
			return fmt.Errorf("illegal session transition %s -> %s", session.Status, model.SessionStatusCompleted)
		}
		session.Status = model.SessionStatusCompleted
		if session.EndTime == nil {
			now := s.now().UTC()
			session.EndTime = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info(ctx, "session closed")
	return nil
}

func (s *SessionStore) mutate(fn func(*model.Session) error) error {
	return s.withLock(func() error {
		session, err := s.read()
		if err != nil {
			return err
		}
		if err := fn(&session); err != nil {
			return err
		}
		return s.write(session)
	})
}

func (s *SessionStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *SessionStore) read() (model.Session, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Session{}, ErrNoSession
		}
		return model.Session{}, errors.Wrapf(err, "read session %s", s.Path)
	}
	var session model.Session
	if err := json.Unmarshal(b, &session); err != nil {
		return model.Session{}, errors.Wrapf(err, "parse session %s", s.Path)
	}
	if session.Agents == nil {
		session.Agents = []model.WorkerRecord{}
	}
	return session, nil
}

func (s *SessionStore) write(session model.Session) error {
	b, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	return WriteFileAtomic(s.Path, b, sessionFileMode)
}

func (s *SessionStore) acquireLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.LockPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create session lock dir")
	}
	deadline := time.Now().Add(s.LockTimeout)
	payload := fmt.Sprintf("pid=%d at=%s", os.Getpid(), time.Now().Format(time.RFC3339))
	for {
		lockFile, err := os.OpenFile(s.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, err := lockFile.WriteString(payload + "\n"); err != nil {
				_ = lockFile.Close()
				_ = os.Remove(s.LockPath)
				return nil, errors.Wrapf(err, "write session lock %s", s.LockPath)
			}
			if err := lockFile.Close(); err != nil {
				_ = os.Remove(s.LockPath)
				return nil, errors.Wrapf(err, "close session lock %s", s.LockPath)
			}
			return func() {
				_ = os.Remove(s.LockPath)
			}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "acquire session lock %s", s.LockPath)
		}
		holderBytes, _ := os.ReadFile(s.LockPath)
		holder := strings.TrimSpace(string(holderBytes))
		if holderPID, ok := parseLockHolderPID(holder); ok && !procs.Alive(holderPID) {
			_ = os.Remove(s.LockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, &InstanceLockedError{LockPath: s.LockPath, Holder: holder}
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func parseLockHolderPID(holder string) (int, bool) {
	for _, field := range strings.Fields(holder) {
		value, ok := strings.CutPrefix(field, "pid=")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(value)
		if err != nil || pid <= 0 {
			return 0, false
		}
		return pid, true
	}
	return 0, false
}

func generateSessionID(now time.Time) string {
	return fmt.Sprintf("session-%s-%s", now.Format("20060102-150405"), strings.ToLower(shortuuid.New()[:8]))
}
