package database

// Conversation queries (SQLite placeholders)
const (
	UpsertConversationQuery = `
		INSERT INTO phone_numbers (number, ai_active, created_at)
		VALUES (?, 0, ?)
		ON CONFLICT(number) DO NOTHING
	`

	SelectConversationByNumberQuery = `
		SELECT id, number, ai_active, created_at
		FROM phone_numbers
		WHERE number = ?
	`

	SelectConversationByIDQuery = `
		SELECT id, number, ai_active, created_at
		FROM phone_numbers
		WHERE id = ?
	`

	SelectConversationsQuery = `
		SELECT id, number, ai_active, created_at
		FROM phone_numbers
		ORDER BY created_at DESC, id DESC
	`

	ToggleAutomationQuery = `
		UPDATE phone_numbers
		SET ai_active = NOT ai_active
		WHERE id = ?
		RETURNING ai_active
	`

	DeleteConversationQuery = `
		DELETE FROM phone_numbers
		WHERE id = ?
	`
)

// Message queries (SQLite placeholders)
const (
	InsertMessageQuery = `
		INSERT INTO messages (
			phone_number_id, content, type, created_at,
			attachment_url, attachment_full_url, attachment_name,
			attachment_type, attachment_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	SelectMessagesByConversationQuery = `
		SELECT id, phone_number_id, content, type, created_at,
			   attachment_url, attachment_full_url, attachment_name,
			   attachment_type, attachment_size
		FROM messages
		WHERE phone_number_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	CountMessagesByConversationQuery = `
		SELECT COUNT(*) FROM messages WHERE phone_number_id = ?
	`

	LatestMessageTimeQuery = `
		SELECT created_at FROM messages
		WHERE phone_number_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	CountMessagesBetweenQuery = `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN type = 'ai' THEN 1 ELSE 0 END), 0)
		FROM messages
		WHERE created_at >= ? AND created_at < ?
	`
)
