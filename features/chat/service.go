package chat

import (
	"context"
	"fmt"
	"log/slog"

	"paperdesk/apps/backend/internal/retrieval"
	"paperdesk/apps/backend/internal/synthesis"
)

type Repository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	LastMessages(ctx context.Context, sessionID string, n int) ([]Message, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, workspaceID, query string, k int, filter []string) ([]retrieval.RetrievedChunk, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, query string, chunks []retrieval.RetrievedChunk, history []synthesis.Turn) (*synthesis.Answer, error)
}

type Service struct {
	repo          Repository
	retriever     Retriever
	synthesizer   Synthesizer
	historyWindow int
	defaultTopK   int
	logger        *slog.Logger
}

func NewService(repo Repository, retriever Retriever, synthesizer Synthesizer, historyWindow, defaultTopK int, logger *slog.Logger) *Service {
	if historyWindow < 1 {
		historyWindow = 10
	}
	if defaultTopK < 1 {
		defaultTopK = 5
	}
	return &Service{
		repo:          repo,
		retriever:     retriever,
		synthesizer:   synthesizer,
		historyWindow: historyWindow,
		defaultTopK:   defaultTopK,
		logger:        logger,
	}
}

func (s *Service) CreateSession(ctx context.Context, workspaceID, title string) (*Session, error) {
	session := &Session{WorkspaceID: workspaceID, Title: title}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.InfoContext(ctx, "chat session created",
		slog.String("session_id", session.ID),
		slog.String("workspace_id", workspaceID))
	return session, nil
}

func (s *Service) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID)
}

// PostMessage runs one chat turn: persist the user message, retrieve
// against the session's workspace with the recent history as context,
// and persist the assistant's answer with its citations.
//
// The user message is recorded before synthesis starts. If generation
// fails the transcript keeps the question and the error surfaces to the
// caller; re-asking is the client's call, not an automatic rollback.
func (s *Service) PostMessage(ctx context.Context, sessionID, content string, k int, documentIDs []string) (*Message, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if k < 1 {
		k = s.defaultTopK
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// History window is read before the new question is appended, so it
	// holds prior turns only.
	window, err := s.repo.LastMessages(ctx, sessionID, s.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userMsg := &Message{SessionID: sessionID, Role: RoleUser, Content: content}
	if err := s.repo.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	chunks, err := s.retriever.Retrieve(ctx, session.WorkspaceID, content, k, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	history := make([]synthesis.Turn, len(window))
	for i, msg := range window {
		history[i] = synthesis.Turn{Role: msg.Role, Content: msg.Content}
	}

	answer, err := s.synthesizer.Synthesize(ctx, content, chunks, history)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	assistantMsg := &Message{
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   answer.Text,
		Citations: answer.Citations,
	}
	if err := s.repo.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	s.logger.InfoContext(ctx, "chat turn completed",
		slog.String("session_id", sessionID),
		slog.Int("history", len(history)),
		slog.Int("citations", len(assistantMsg.Citations)))
	return assistantMsg, nil
}
