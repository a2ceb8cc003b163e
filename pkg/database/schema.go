package database

import (
	"context"
	"fmt"
)

// InitSchema creates every table the service needs. All statements are
// idempotent so startup can run them unconditionally.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	// 1. Research jobs double as the report record once a run finishes.
	jobsQuery := `
		CREATE TABLE IF NOT EXISTS research_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			query TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'fast',
			status TEXT NOT NULL DEFAULT 'pending',
			report TEXT,
			evaluation_score DOUBLE PRECISION,
			retry_count INTEGER NOT NULL DEFAULT 0,
			quality_warning BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, jobsQuery); err != nil {
		return fmt.Errorf("failed to create research_jobs table: %w", err)
	}

	// 2. Per-job log stream, written by the pipeline as it runs.
	logsQuery := `
		CREATE TABLE IF NOT EXISTS research_logs (
			id SERIAL PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		);
	`
	if _, err := db.Pool.Exec(ctx, logsQuery); err != nil {
		return fmt.Errorf("failed to create research_logs table: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_research_logs_job_id ON research_logs(job_id)"); err != nil {
		return fmt.Errorf("failed to create index on research_logs: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at DESC)"); err != nil {
		return fmt.Errorf("failed to create index on research_jobs: %w", err)
	}

	// 3. Add state column if it doesn't exist (Migration)
	_, err := db.Pool.Exec(ctx, `
		ALTER TABLE research_jobs
		ADD COLUMN IF NOT EXISTS state JSONB
	`)
	if err != nil {
		return fmt.Errorf("failed to add state column: %w", err)
	}

	// 4. Numbered citations for each finished report.
	sourcesQuery := `
		CREATE TABLE IF NOT EXISTS report_sources (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, sourcesQuery); err != nil {
		return fmt.Errorf("failed to create report_sources table: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_report_sources_job_id ON report_sources(job_id)"); err != nil {
		return fmt.Errorf("failed to create index on report_sources: %w", err)
	}

	// 5. Ingested corpus documents plus their pre-chunked text. Corpus
	// chunks feed corpus-restricted runs without refetching anything.
	corpusDocsQuery := `
		CREATE TABLE IF NOT EXISTS corpus_documents (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			kind TEXT NOT NULL,
			origin TEXT NOT NULL,
			title TEXT,
			char_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, corpusDocsQuery); err != nil {
		return fmt.Errorf("failed to create corpus_documents table: %w", err)
	}

	corpusChunksQuery := `
		CREATE TABLE IF NOT EXISTS corpus_chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES corpus_documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			section_heading TEXT,
			content TEXT NOT NULL,
			char_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, corpusChunksQuery); err != nil {
		return fmt.Errorf("failed to create corpus_chunks table: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_corpus_chunks_document_id ON corpus_chunks(document_id)"); err != nil {
		return fmt.Errorf("failed to create index on corpus_chunks: %w", err)
	}

	// 6. Conversations Table
	convQuery := `
		CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			title TEXT NOT NULL DEFAULT 'New Conversation',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, convQuery); err != nil {
		return fmt.Errorf("failed to create conversations table: %w", err)
	}

	// 7. Messages Table
	msgQuery := `
		CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, msgQuery); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id)"); err != nil {
		return fmt.Errorf("failed to create index on messages: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)"); err != nil {
		return fmt.Errorf("failed to create index on conversations: %w", err)
	}

	return nil
}
