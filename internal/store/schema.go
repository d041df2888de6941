package store

// schema is applied idempotently at startup. Rates are DECIMAL(15,8): FX
// rates need exact decimal arithmetic end to end.
const schema = `
CREATE TABLE IF NOT EXISTS api_providers (
    id              SERIAL PRIMARY KEY,
    name            VARCHAR(50) NOT NULL UNIQUE,
    base_url        VARCHAR(255) NOT NULL,
    is_primary      BOOLEAN NOT NULL DEFAULT FALSE,
    priority_order  INTEGER NOT NULL DEFAULT 0,
    is_active       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS currency_pairs (
    id              SERIAL PRIMARY KEY,
    base_currency   VARCHAR(5) NOT NULL,
    target_currency VARCHAR(5) NOT NULL,
    is_active       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (base_currency, target_currency)
);

CREATE TABLE IF NOT EXISTS exchange_rates (
    id               BIGSERIAL PRIMARY KEY,
    currency_pair_id INTEGER NOT NULL REFERENCES currency_pairs(id),
    provider_id      INTEGER NOT NULL REFERENCES api_providers(id),
    rate             DECIMAL(15,8) NOT NULL,
    fetched_at       TIMESTAMPTZ NOT NULL,
    is_successful    BOOLEAN NOT NULL DEFAULT TRUE,
    confidence_level VARCHAR(20),
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_exchange_rates_pair_fetched
    ON exchange_rates (currency_pair_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS api_call_logs (
    id               BIGSERIAL PRIMARY KEY,
    provider_id      INTEGER NOT NULL REFERENCES api_providers(id),
    endpoint         VARCHAR(255) NOT NULL,
    http_status      INTEGER,
    response_time_ms INTEGER,
    is_successful    BOOLEAN NOT NULL,
    error_message    TEXT,
    called_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS circuit_breaker_logs (
    id             BIGSERIAL PRIMARY KEY,
    provider_id    INTEGER NOT NULL REFERENCES api_providers(id),
    from_state     VARCHAR(20) NOT NULL,
    to_state       VARCHAR(20) NOT NULL,
    failure_count  INTEGER NOT NULL DEFAULT 0,
    reason         TEXT,
    transitioned_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS supported_currencies (
    code       VARCHAR(5) PRIMARY KEY,
    is_active  BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
