package scylla

var schema = []string{
	`CREATE TABLE IF NOT EXISTS otp_challenges (
		contact_hash   text,
		created_at     timestamp,
		otp_id         uuid,
		otp_hash       text,
		otp_salt       text,
		hash_algorithm text,
		pepper_version int,
		purpose        text,
		attempts       int,
		used           boolean,
		expires_at     timestamp,
		PRIMARY KEY ((contact_hash), created_at, otp_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, otp_id ASC)`,

	`CREATE TABLE IF NOT EXISTS identity_mappings (
		contact_hash text PRIMARY KEY,
		user_id      uuid,
		status       text,
		created_at   timestamp,
		updated_at   timestamp
	)`,

	`CREATE TABLE IF NOT EXISTS professional_pins (
		user_id             uuid PRIMARY KEY,
		pin_number          text,
		verification_status text,
		ledger_hash         text,
		created_at          timestamp,
		updated_at          timestamp
	)`,

	`CREATE TABLE IF NOT EXISTS pins_by_number (
		pin_number text PRIMARY KEY,
		user_id    uuid,
		created_at timestamp
	)`,

	`CREATE TABLE IF NOT EXISTS pin_verifications (
		user_id           uuid,
		created_at        timestamp,
		verification_id   uuid,
		pin_number        text,
		verifier_type     text,
		verifier_id       text,
		verification_hash text,
		PRIMARY KEY ((user_id), created_at, verification_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, verification_id ASC)`,

	`CREATE TABLE IF NOT EXISTS pin_audit_logs (
		event_bucket int,
		event_date   text,
		created_at   timestamp,
		event_id     uuid,
		user_id      uuid,
		pin_number   text,
		event        text,
		metadata     map<text, text>,
		PRIMARY KEY ((event_bucket, event_date), created_at, event_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, event_id ASC)`,
}
