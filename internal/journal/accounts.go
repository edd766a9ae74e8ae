package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hyperagent/internal/secrets"
	"hyperagent/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

func (s *Store) CreateAccount(a types.Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, role, verification, agent_mode, monitoring_minutes, main_wallet, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Role, a.Verification, a.AgentMode, a.MonitoringMinutes, a.MainWalletAddress, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(id string) (types.Account, error) {
	row := s.db.QueryRow(`
		SELECT id, role, verification, agent_mode, monitoring_minutes, main_wallet, created_at, deleted_at
		FROM accounts WHERE id = ? AND deleted_at IS NULL`, id)
	return scanAccount(row)
}

// ListActiveAccounts returns accounts eligible for monitoring restore:
// approved, not deleted.
func (s *Store) ListActiveAccounts() ([]types.Account, error) {
	rows, err := s.db.Query(`
		SELECT id, role, verification, agent_mode, monitoring_minutes, main_wallet, created_at, deleted_at
		FROM accounts WHERE verification = ? AND deleted_at IS NULL`, types.VerificationApproved)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAgentMode flips an account between passive and active execution.
func (s *Store) SetAgentMode(id string, mode types.AgentMode) error {
	return s.updateAccount(id, "agent_mode", string(mode))
}

// SetMonitoringMinutes updates the operator-configured loop frequency.
// Zero suspends the loop.
func (s *Store) SetMonitoringMinutes(id string, minutes int) error {
	return s.updateAccount(id, "monitoring_minutes", minutes)
}

// SetVerification transitions the approval gate.
func (s *Store) SetVerification(id string, v types.VerificationStatus) error {
	return s.updateAccount(id, "verification", string(v))
}

// DeleteAccount soft-deletes; envelopes are removed outright so the secret
// ciphertext does not outlive the account.
func (s *Store) DeleteAccount(id string) error {
	return WithTransaction(s.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE accounts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("account %s: %w", id, types.ErrNotFound)
		}
		_, err = tx.Exec(`DELETE FROM envelopes WHERE account_id = ?`, id)
		return err
	})
}

func (s *Store) updateAccount(id, column string, value any) error {
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE accounts SET %s = ? WHERE id = ? AND deleted_at IS NULL`, column),
		value, id)
	if err != nil {
		return fmt.Errorf("update account %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, types.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var a types.Account
	var deleted sql.NullTime
	err := row.Scan(&a.ID, &a.Role, &a.Verification, &a.AgentMode,
		&a.MonitoringMinutes, &a.MainWalletAddress, &a.CreatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Account{}, fmt.Errorf("account: %w", types.ErrNotFound)
	}
	if err != nil {
		return types.Account{}, fmt.Errorf("scan account: %w", err)
	}
	if deleted.Valid {
		a.DeletedAt = &deleted.Time
	}
	return a, nil
}

// ————————————————————————————————————————————————————————————————————————
// Secret envelopes (secrets.EnvelopeRepo)
// ————————————————————————————————————————————————————————————————————————

func (s *Store) PutEnvelope(accountID string, env secrets.Envelope) error {
	_, err := s.db.Exec(`
		INSERT INTO envelopes (account_id, enc_payload, payload_iv, enc_dek, dek_iv, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			enc_payload = excluded.enc_payload,
			payload_iv  = excluded.payload_iv,
			enc_dek     = excluded.enc_dek,
			dek_iv      = excluded.dek_iv,
			updated_at  = excluded.updated_at`,
		accountID, env.EncryptedPayload, env.PayloadIV, env.EncryptedDEK, env.DEKIV, time.Now())
	if err != nil {
		return fmt.Errorf("put envelope: %w", err)
	}
	return nil
}

func (s *Store) GetEnvelope(accountID string) (*secrets.Envelope, error) {
	var env secrets.Envelope
	err := s.db.QueryRow(`
		SELECT enc_payload, payload_iv, enc_dek, dek_iv FROM envelopes WHERE account_id = ?`,
		accountID).Scan(&env.EncryptedPayload, &env.PayloadIV, &env.EncryptedDEK, &env.DEKIV)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope: %w", err)
	}
	return &env, nil
}

func (s *Store) DeleteEnvelope(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM envelopes WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	return nil
}

func (s *Store) HasEnvelope(accountID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM envelopes WHERE account_id = ?`, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has envelope: %w", err)
	}
	return true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategies
// ————————————————————————————————————————————————————————————————————————

// CreateStrategy inserts a strategy after checking the account's combined
// active allocation stays within 100%.
func (s *Store) CreateStrategy(st types.Strategy) error {
	cfg, err := json.Marshal(st.Config)
	if err != nil {
		return fmt.Errorf("marshal strategy config: %w", err)
	}

	return WithTransaction(s.db, func(tx *sql.Tx) error {
		if st.Active {
			var allocated float64
			if err := tx.QueryRow(`
				SELECT COALESCE(SUM(allocated_percent), 0) FROM strategies
				WHERE account_id = ? AND active = 1`, st.AccountID).Scan(&allocated); err != nil {
				return err
			}
			if allocated+st.AllocatedPercent > 100 {
				return fmt.Errorf("allocation %.1f%% + existing %.1f%% exceeds 100%%: %w",
					st.AllocatedPercent, allocated, types.ErrInvalidParams)
			}
		}

		_, err := tx.Exec(`
			INSERT INTO strategies (id, account_id, name, kind, active, allocated_percent,
				max_positions, max_leverage, daily_loss_limit, current_daily_loss, config, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.AccountID, st.Name, st.Kind, st.Active, st.AllocatedPercent,
			st.MaxPositions, st.MaxLeverage, st.DailyLossLimit, st.CurrentDailyLoss, string(cfg), st.Status)
		return err
	})
}

func (s *Store) GetStrategy(id string) (types.Strategy, error) {
	row := s.db.QueryRow(`
		SELECT id, account_id, name, kind, active, allocated_percent, max_positions,
			max_leverage, daily_loss_limit, current_daily_loss, config, status
		FROM strategies WHERE id = ?`, id)
	return scanStrategy(row)
}

func (s *Store) ListStrategies(accountID string, activeOnly bool) ([]types.Strategy, error) {
	q := `SELECT id, account_id, name, kind, active, allocated_percent, max_positions,
			max_leverage, daily_loss_limit, current_daily_loss, config, status
		FROM strategies WHERE account_id = ?`
	if activeOnly {
		q += ` AND active = 1`
	}
	rows, err := s.db.Query(q, accountID)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AddDailyLoss accumulates realized loss against the strategy's daily cap.
func (s *Store) AddDailyLoss(strategyID string, loss float64) error {
	_, err := s.db.Exec(`
		UPDATE strategies SET current_daily_loss = current_daily_loss + ? WHERE id = ?`,
		loss, strategyID)
	if err != nil {
		return fmt.Errorf("add daily loss: %w", err)
	}
	return nil
}

// ResetDailyLosses zeroes every accumulated daily loss; run at UTC midnight.
func (s *Store) ResetDailyLosses() error {
	_, err := s.db.Exec(`UPDATE strategies SET current_daily_loss = 0`)
	if err != nil {
		return fmt.Errorf("reset daily losses: %w", err)
	}
	return nil
}

func (s *Store) SetStrategyStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE strategies SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set strategy status: %w", err)
	}
	return nil
}

func scanStrategy(row rowScanner) (types.Strategy, error) {
	var st types.Strategy
	var cfg string
	err := row.Scan(&st.ID, &st.AccountID, &st.Name, &st.Kind, &st.Active,
		&st.AllocatedPercent, &st.MaxPositions, &st.MaxLeverage,
		&st.DailyLossLimit, &st.CurrentDailyLoss, &cfg, &st.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Strategy{}, fmt.Errorf("strategy: %w", types.ErrNotFound)
	}
	if err != nil {
		return types.Strategy{}, fmt.Errorf("scan strategy: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &st.Config); err != nil {
		st.Config = map[string]any{}
	}
	return st, nil
}
