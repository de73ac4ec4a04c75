package challenges

import (
	"context"
	"errors"
	"log/slog"

	"github.com/csai/sandbox-agent/internal/config"
	"github.com/csai/sandbox-agent/internal/metrics"
	"github.com/csai/sandbox-agent/internal/orchestrator"
	"github.com/csai/sandbox-agent/internal/state"
)

// Difficulty assumed for a challenge the application does not rate; it keeps
// unrated challenges out of the easy fallback set.
const unratedDifficulty = 6

var ErrNoInstance = errors.New("no_running_instance")

// InstanceLookup resolves a user's live sandbox.
type InstanceLookup interface {
	GetOrReconcile(ctx context.Context, userID string) (orchestrator.InstanceView, error)
}

type ChallengeStatus struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Difficulty  int    `json:"difficulty"`
	Solved      bool   `json:"solved"`
	Completed   bool   `json:"completed"`
}

type Progress struct {
	Challenges []ChallengeStatus `json:"challenges"`
	Completed  int               `json:"completed"`
	Total      int               `json:"total"`
}

type SyncResult struct {
	Progress
	NewlySolved   int  `json:"newly_solved"`
	ScoreReported bool `json:"score_reported"`
}

type Service struct {
	cfg       config.ChallengesConfig
	store     *state.Store
	instances InstanceLookup
	source    Source
	reporter  ScoreReporter
	metrics   *metrics.Registry
	log       *slog.Logger
}

func NewService(cfg config.ChallengesConfig, st *state.Store, instances InstanceLookup, source Source, reporter ScoreReporter, reg *metrics.Registry, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, store: st, instances: instances, source: source, reporter: reporter, metrics: reg, log: logger}
}

func (s *Service) SaveAssignment(ctx context.Context, assignmentID string, set []state.Challenge) error {
	if err := s.store.ReplaceAssignmentChallenges(ctx, assignmentID, set); err != nil {
		return err
	}
	s.log.Info("assignment_challenges_saved", slog.String("assignment_id", assignmentID), slog.Int("count", len(set)))
	return nil
}

func (s *Service) Assignment(ctx context.Context, assignmentID string) ([]state.Challenge, error) {
	return s.store.AssignmentChallenges(ctx, assignmentID)
}

// Progress reports the user's standing for an assignment. Without a live
// sandbox there is nothing to read and the result is empty. An assignment
// with no saved set gets the easy fallback set saved as its challenges.
func (s *Service) Progress(ctx context.Context, userID, assignmentID string) (Progress, error) {
	view, err := s.instances.GetOrReconcile(ctx, userID)
	if err != nil {
		return Progress{}, err
	}
	if !view.Exists {
		return Progress{Challenges: []ChallengeStatus{}}, nil
	}
	remote, err := s.source.Fetch(ctx, view.URL)
	if err != nil {
		return Progress{}, err
	}
	return s.progressFrom(ctx, userID, assignmentID, remote)
}

func (s *Service) progressFrom(ctx context.Context, userID, assignmentID string, remote []RemoteChallenge) (Progress, error) {
	var list []ChallengeStatus
	if assignmentID == "" {
		list = make([]ChallengeStatus, 0, len(remote))
		for _, rc := range remote {
			list = append(list, fromRemote(rc, 1))
		}
	} else {
		assigned, err := s.store.AssignmentChallenges(ctx, assignmentID)
		if err != nil {
			return Progress{}, err
		}
		if len(assigned) > 0 {
			list = mergeAssigned(assigned, remote)
		} else {
			list = s.fallback(remote)
			if len(list) > 0 {
				if err := s.SaveAssignment(ctx, assignmentID, toChallenges(list)); err != nil {
					s.log.Error("fallback_save_failed", slog.String("assignment_id", assignmentID), slog.String("error", err.Error()))
				}
			}
		}
	}

	solved, err := s.store.SolvedChallengeIDs(ctx, userID, assignmentID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Challenges: list, Total: len(list)}
	for i := range p.Challenges {
		_, inDB := solved[p.Challenges[i].ID]
		p.Challenges[i].Completed = p.Challenges[i].Solved || inDB
		if p.Challenges[i].Completed {
			p.Completed++
		}
	}
	return p, nil
}

// Sync records newly solved assigned challenges, then reports the score when
// there is a launch to report against and something was completed.
func (s *Service) Sync(ctx context.Context, userID, assignmentID, launchID string) (SyncResult, error) {
	view, err := s.instances.GetOrReconcile(ctx, userID)
	if err != nil {
		return SyncResult{}, err
	}
	if !view.Exists {
		return SyncResult{}, ErrNoInstance
	}
	remote, err := s.source.Fetch(ctx, view.URL)
	if err != nil {
		return SyncResult{}, err
	}

	var allowed map[int]struct{}
	if assignmentID != "" {
		assigned, err := s.store.AssignmentChallenges(ctx, assignmentID)
		if err != nil {
			return SyncResult{}, err
		}
		allowed = make(map[int]struct{}, len(assigned))
		for _, c := range assigned {
			allowed[c.ID] = struct{}{}
		}
	}

	result := SyncResult{}
	for _, rc := range remote {
		if !rc.Solved {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[rc.ID]; !ok {
				continue
			}
		}
		added, err := s.store.SaveSolvedChallenge(ctx, userID, rc.ID, assignmentID)
		if err != nil {
			return SyncResult{}, err
		}
		if added {
			result.NewlySolved++
		}
	}
	s.metrics.AddSolvesRecorded(result.NewlySolved)

	result.Progress, err = s.progressFrom(ctx, userID, assignmentID, remote)
	if err != nil {
		return SyncResult{}, err
	}
	s.log.Info("challenge_sync",
		slog.String("user_id", userID),
		slog.String("assignment_id", assignmentID),
		slog.Int("newly_solved", result.NewlySolved),
		slog.Int("completed", result.Completed),
		slog.Int("total", result.Total))

	if launchID != "" && result.Completed > 0 && result.Total > 0 {
		err := s.reporter.ReportScore(ctx, Score{
			UserID:       userID,
			AssignmentID: assignmentID,
			LaunchID:     launchID,
			Completed:    result.Completed,
			Total:        result.Total,
		})
		if err != nil {
			s.log.Error("score_report_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		} else {
			result.ScoreReported = true
		}
	}
	return result, nil
}

// mergeAssigned keeps assignment order and descriptors, taking only the solved
// flag from the instance. Assigned challenges the instance does not know are
// left out.
func mergeAssigned(assigned []state.Challenge, remote []RemoteChallenge) []ChallengeStatus {
	byID := make(map[int]RemoteChallenge, len(remote))
	for _, rc := range remote {
		byID[rc.ID] = rc
	}
	out := make([]ChallengeStatus, 0, len(assigned))
	for _, a := range assigned {
		rc, ok := byID[a.ID]
		if !ok {
			continue
		}
		out = append(out, ChallengeStatus{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Difficulty:  a.Difficulty,
			Solved:      rc.Solved,
		})
	}
	return out
}

func (s *Service) fallback(remote []RemoteChallenge) []ChallengeStatus {
	out := []ChallengeStatus{}
	for _, rc := range remote {
		if len(out) >= s.cfg.FallbackLimit {
			break
		}
		if difficulty(rc, unratedDifficulty) <= s.cfg.FallbackMaxDifficulty {
			out = append(out, fromRemote(rc, 1))
		}
	}
	return out
}

func fromRemote(rc RemoteChallenge, defaultDifficulty int) ChallengeStatus {
	return ChallengeStatus{
		ID:          rc.ID,
		Name:        rc.Name,
		Description: rc.Description,
		Difficulty:  difficulty(rc, defaultDifficulty),
		Solved:      rc.Solved,
	}
}

func difficulty(rc RemoteChallenge, def int) int {
	if rc.Difficulty == nil {
		return def
	}
	return *rc.Difficulty
}

func toChallenges(list []ChallengeStatus) []state.Challenge {
	out := make([]state.Challenge, 0, len(list))
	for _, c := range list {
		out = append(out, state.Challenge{ID: c.ID, Name: c.Name, Description: c.Description, Difficulty: c.Difficulty})
	}
	return out
}
