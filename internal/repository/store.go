// Package repository defines the persistence interface and its SQLite implementation.
package repository

import (
	"context"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	SetActiveRun(ctx context.Context, conversationID, runID string) error
	MaxDisplayOrder(ctx context.Context, conversationID string) (int64, error)

	// Message operations
	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, code domain.RunCode, errMsg string) error

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	ListEvents(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.Event, error)

	// Approval operations
	CreateApproval(ctx context.Context, approval *domain.Approval) error
	GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error)
	UpdateApprovalDecision(ctx context.Context, approval *domain.Approval) error
	ListApprovals(ctx context.Context, runID string, status domain.ApprovalStatus) ([]domain.Approval, error)

	// Lifecycle
	Close() error
}
