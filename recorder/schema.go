package recorder

// ddl is the relational schema the recorder owns. Reporting tools read
// these tables directly; the outcome view is the single source of truth
// for per-unit verdicts, computed from recorded facts rather than stored.
const ddl = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS unit_type (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    description TEXT
);

CREATE TABLE IF NOT EXISTS design_revision (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    unit_type_id INTEGER NOT NULL REFERENCES unit_type(id),
    revision     TEXT NOT NULL,
    created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (unit_type_id, revision)
);

CREATE TABLE IF NOT EXISTS unit (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    serial_number      TEXT NOT NULL UNIQUE,
    design_revision_id INTEGER NOT NULL REFERENCES design_revision(id),
    created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS test_case (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    name         TEXT NOT NULL UNIQUE,
    unit_type_id INTEGER NOT NULL REFERENCES unit_type(id),
    description  TEXT
);

-- Revisions a test case applies to. No rows means all revisions.
CREATE TABLE IF NOT EXISTS test_case_revision (
    test_case_id       INTEGER NOT NULL REFERENCES test_case(id),
    design_revision_id INTEGER NOT NULL REFERENCES design_revision(id),
    PRIMARY KEY (test_case_id, design_revision_id)
);

CREATE TABLE IF NOT EXISTS environmental_state (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    test_case_id INTEGER NOT NULL REFERENCES test_case(id),
    name         TEXT NOT NULL,
    UNIQUE (test_case_id, name)
);

CREATE TABLE IF NOT EXISTS requirement (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    test_case_id INTEGER NOT NULL REFERENCES test_case(id),
    name         TEXT NOT NULL,
    source       TEXT NOT NULL CHECK (source IN ('monitor', 'point_check')),
    UNIQUE (test_case_id, name)
);

-- States a requirement is enforced in.
CREATE TABLE IF NOT EXISTS requirement_state (
    requirement_id         INTEGER NOT NULL REFERENCES requirement(id),
    environmental_state_id INTEGER NOT NULL REFERENCES environmental_state(id),
    PRIMARY KEY (requirement_id, environmental_state_id)
);

CREATE TABLE IF NOT EXISTS test_run (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    label        TEXT NOT NULL UNIQUE,
    test_case_id INTEGER NOT NULL REFERENCES test_case(id),
    run_type     TEXT NOT NULL CHECK (run_type IN ('hass', 'halt', 'functional', 'ad_hoc')),
    started_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at  TIMESTAMP,
    status       TEXT NOT NULL DEFAULT 'running'
                 CHECK (status IN ('running', 'completed', 'terminated'))
);

CREATE TABLE IF NOT EXISTS test_run_unit (
    test_run_id INTEGER NOT NULL REFERENCES test_run(id),
    unit_id     INTEGER NOT NULL REFERENCES unit(id),
    slot_number INTEGER NOT NULL CHECK (slot_number >= 1),
    PRIMARY KEY (test_run_id, unit_id),
    UNIQUE (test_run_id, slot_number)
);

CREATE TABLE IF NOT EXISTS system_failure (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    test_run_id INTEGER NOT NULL REFERENCES test_run(id),
    occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    pareto_code TEXT NOT NULL,
    description TEXT NOT NULL
);

-- First occurrence only per (run, unit, requirement, state).
CREATE TABLE IF NOT EXISTS unit_failure (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    test_run_id            INTEGER NOT NULL REFERENCES test_run(id),
    unit_id                INTEGER NOT NULL REFERENCES unit(id),
    requirement_id         INTEGER NOT NULL REFERENCES requirement(id),
    environmental_state_id INTEGER NOT NULL REFERENCES environmental_state(id),
    occurred_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    measured_value         REAL NOT NULL,
    bound_description      TEXT NOT NULL,
    description            TEXT,
    UNIQUE (test_run_id, unit_id, requirement_id, environmental_state_id)
);

CREATE VIEW IF NOT EXISTS test_run_unit_outcome AS
SELECT
    tru.test_run_id,
    tru.unit_id,
    tru.slot_number,
    CASE
        WHEN EXISTS (
            SELECT 1 FROM unit_failure uf
            WHERE uf.test_run_id = tru.test_run_id AND uf.unit_id = tru.unit_id
        ) THEN 'fail'
        WHEN EXISTS (
            SELECT 1 FROM system_failure sf
            WHERE sf.test_run_id = tru.test_run_id
        ) THEN 'indeterminate'
        WHEN (
            SELECT tr.status FROM test_run tr WHERE tr.id = tru.test_run_id
        ) != 'completed' THEN 'indeterminate'
        ELSE 'pass'
    END AS outcome
FROM test_run_unit tru;
`
