package database

// schema is idempotent; Migrate can run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS "user" (
    id            UUID PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    first_name    TEXT NOT NULL DEFAULT '',
    last_name     TEXT NOT NULL DEFAULT '',
    role          TEXT NOT NULL,
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    password_hash BYTEA NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS classroom (
    id         UUID PRIMARY KEY,
    owner_id   UUID NOT NULL REFERENCES "user" (id),
    name       TEXT NOT NULL,
    class_id   TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS enrollment (
    id           UUID PRIMARY KEY,
    classroom_id UUID NOT NULL REFERENCES classroom (id),
    student_id   UUID NOT NULL REFERENCES "user" (id),
    created_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (classroom_id, student_id)
);

CREATE TABLE IF NOT EXISTS invitation (
    id            UUID PRIMARY KEY,
    classroom_id  UUID NOT NULL REFERENCES classroom (id),
    invited_by_id UUID NOT NULL REFERENCES "user" (id),
    email         TEXT NOT NULL,
    role          TEXT NOT NULL,
    token_hash    TEXT NOT NULL UNIQUE,
    status        TEXT NOT NULL DEFAULT 'pending',
    expires_at    TIMESTAMPTZ NOT NULL,
    used_at       TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS invitation_classroom_email_idx ON invitation (classroom_id, email);

CREATE TABLE IF NOT EXISTS note (
    id           BIGSERIAL PRIMARY KEY,
    classroom_id UUID NOT NULL REFERENCES classroom (id),
    title        TEXT NOT NULL,
    content      TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS displayed_note (
    id              BIGSERIAL PRIMARY KEY,
    classroom_id    UUID NOT NULL REFERENCES classroom (id),
    note_id         BIGINT NOT NULL REFERENCES note (id),
    displayed_by_id UUID NOT NULL REFERENCES "user" (id),
    displayed_at    TIMESTAMPTZ NOT NULL
);
`
