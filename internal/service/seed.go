package service

import (
	"context"

	apperrors "chatrelay/internal/errors"

	"github.com/sirupsen/logrus"
)

// SampleNumbers are the conversations created by Seed.
var SampleNumbers = []string{"+5511999999999", "+5511888888888", "+5511777777777"}

// Seed creates the sample conversations, skipping numbers that exist. It
// returns how many were created.
func Seed(ctx context.Context, store ConversationStore, logger logrus.FieldLogger) (int, error) {
	created := 0
	for _, number := range SampleNumbers {
		_, ok, err := store.CreateConversation(ctx, number)
		if err != nil {
			return created, apperrors.NewDatabaseError("seed conversation", err)
		}
		if ok {
			created++
		}
		logger.WithFields(logrus.Fields{
			LogFieldPhone: LogPhone(ctx, number),
			"created":     ok,
		}).Debug("Seeded conversation")
	}
	logger.WithField(LogFieldCount, created).Info("Sample conversations seeded")
	return created, nil
}
