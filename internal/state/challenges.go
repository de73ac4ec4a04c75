package state

import (
	"context"
)

// ReplaceAssignmentChallenges swaps the whole challenge set of an assignment.
func (s *Store) ReplaceAssignmentChallenges(ctx context.Context, assignmentID string, challenges []Challenge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("replace_assignment_challenges", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assignment_challenges WHERE assignment_id = ?`, assignmentID); err != nil {
		return storageErr("replace_assignment_challenges", err)
	}
	for _, c := range challenges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assignment_challenges (assignment_id, challenge_id, challenge_name, challenge_description, challenge_difficulty)
			VALUES (?, ?, ?, ?, ?)`,
			assignmentID, c.ID, c.Name, c.Description, c.Difficulty)
		if err != nil {
			return storageErr("replace_assignment_challenges", err)
		}
	}
	return storageErr("replace_assignment_challenges", tx.Commit())
}

func (s *Store) AssignmentChallenges(ctx context.Context, assignmentID string) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT challenge_id, challenge_name, challenge_description, challenge_difficulty
		FROM assignment_challenges WHERE assignment_id = ? ORDER BY id`, assignmentID)
	if err != nil {
		return nil, storageErr("assignment_challenges", err)
	}
	defer rows.Close()
	var out []Challenge
	for rows.Next() {
		var c Challenge
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Difficulty); err != nil {
			return nil, storageErr("assignment_challenges", err)
		}
		out = append(out, c)
	}
	return out, storageErr("assignment_challenges", rows.Err())
}

// SaveSolvedChallenge records a solve. An empty assignmentID is the global
// scope. Reports whether a new row was written; duplicates are no-ops.
func (s *Store) SaveSolvedChallenge(ctx context.Context, userID string, challengeID int, assignmentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO solved_challenges (user_id, challenge_id, assignment_id, solved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, challenge_id, assignment_id) DO NOTHING`,
		userID, challengeID, assignmentID, s.stamp())
	if err != nil {
		return false, storageErr("save_solved_challenge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("save_solved_challenge", err)
	}
	return n > 0, nil
}

// SolvedChallengeIDs lists the user's solves. With an empty assignmentID every
// solve of the user is returned regardless of scope.
func (s *Store) SolvedChallengeIDs(ctx context.Context, userID, assignmentID string) (map[int]struct{}, error) {
	query := `SELECT challenge_id FROM solved_challenges WHERE user_id = ?`
	args := []any{userID}
	if assignmentID != "" {
		query += ` AND assignment_id = ?`
		args = append(args, assignmentID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("solved_challenge_ids", err)
	}
	defer rows.Close()
	out := map[int]struct{}{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("solved_challenge_ids", err)
		}
		out[id] = struct{}{}
	}
	return out, storageErr("solved_challenge_ids", rows.Err())
}
