package journal

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id                 TEXT PRIMARY KEY,
    role               TEXT NOT NULL DEFAULT 'user',
    verification       TEXT NOT NULL DEFAULT 'pending',
    agent_mode         TEXT NOT NULL DEFAULT 'passive',
    monitoring_minutes INTEGER NOT NULL DEFAULT 5,
    main_wallet        TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at         TIMESTAMP
);

CREATE TABLE IF NOT EXISTS envelopes (
    account_id  TEXT PRIMARY KEY,
    purpose     TEXT NOT NULL DEFAULT 'agent_wallet',
    enc_payload BLOB NOT NULL,
    payload_iv  BLOB NOT NULL,
    enc_dek     BLOB NOT NULL,
    dek_iv      BLOB NOT NULL,
    updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategies (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL REFERENCES accounts(id),
    name               TEXT NOT NULL,
    kind               TEXT NOT NULL,
    active             INTEGER NOT NULL DEFAULT 0,
    allocated_percent  REAL NOT NULL DEFAULT 0,
    max_positions      INTEGER NOT NULL DEFAULT 2,
    max_leverage       INTEGER NOT NULL DEFAULT 3,
    daily_loss_limit   REAL NOT NULL DEFAULT 0,
    current_daily_loss REAL NOT NULL DEFAULT 0,
    config             TEXT NOT NULL DEFAULT '{}',
    status             TEXT NOT NULL DEFAULT 'idle'
);
CREATE INDEX IF NOT EXISTS idx_strategies_account ON strategies(account_id);

CREATE TABLE IF NOT EXISTS orders (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL REFERENCES accounts(id),
    strategy_id TEXT NOT NULL DEFAULT '',
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    size        REAL NOT NULL,
    price       REAL NOT NULL,
    order_type  TEXT NOT NULL,
    reduce_only INTEGER NOT NULL DEFAULT 0,
    venue_oid   INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, created_at);

CREATE TABLE IF NOT EXISTS positions (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL REFERENCES accounts(id),
    strategy_id TEXT NOT NULL DEFAULT '',
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    size        REAL NOT NULL,
    entry_px    REAL NOT NULL,
    leverage    INTEGER NOT NULL DEFAULT 1,
    opened_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(account_id) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
    id                TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL REFERENCES accounts(id),
    account_value     REAL NOT NULL,
    total_margin_used REAL NOT NULL,
    position_count    INTEGER NOT NULL,
    taken_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_snapshots_account ON portfolio_snapshots(account_id, taken_at);

CREATE TABLE IF NOT EXISTS trade_journal (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL REFERENCES accounts(id),
    strategy_id      TEXT NOT NULL DEFAULT '',
    symbol           TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'planned',
    entry_reasoning  TEXT NOT NULL DEFAULT '',
    expectations     TEXT NOT NULL DEFAULT '',
    planned_entry_px REAL NOT NULL DEFAULT 0,
    stop_loss        REAL NOT NULL DEFAULT 0,
    take_profit      REAL NOT NULL DEFAULT 0,
    created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    activated_at     TIMESTAMP,
    closed_at        TIMESTAMP,
    exit_px          REAL,
    pnl              REAL,
    target_hit       INTEGER,
    close_notes      TEXT
);
CREATE INDEX IF NOT EXISTS idx_journal_account ON trade_journal(account_id, status);

CREATE TABLE IF NOT EXISTS monitoring_logs (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES accounts(id),
    state        TEXT NOT NULL,
    triggered_by TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_monitoring_account ON monitoring_logs(account_id, created_at);

CREATE TABLE IF NOT EXISTS ai_usage_logs (
    id                TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL,
    provider          TEXT NOT NULL,
    model             TEXT NOT NULL,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    estimated_cost    REAL NOT NULL DEFAULT 0,
    success           INTEGER NOT NULL DEFAULT 0,
    user_prompt       TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_account ON ai_usage_logs(account_id, created_at);

CREATE TABLE IF NOT EXISTS learning_records (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    category         TEXT NOT NULL,
    subcategory      TEXT NOT NULL DEFAULT '',
    text             TEXT NOT NULL,
    sample_size      INTEGER NOT NULL DEFAULT 1,
    confidence_score REAL NOT NULL DEFAULT 50,
    decay_weight     REAL NOT NULL DEFAULT 1.0,
    active           INTEGER NOT NULL DEFAULT 1,
    updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_learnings_account ON learning_records(account_id, active);

CREATE TABLE IF NOT EXISTS trade_evaluations (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    journal_id TEXT NOT NULL,
    pnl        REAL NOT NULL,
    target_hit INTEGER NOT NULL,
    regime     TEXT NOT NULL,
    score      REAL NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_evaluations_account ON trade_evaluations(account_id, created_at);
`
