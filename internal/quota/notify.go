package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

// Notify logs the message at info level.
func (LogNotifier) Notify(_ context.Context, identity, subject string, params map[string]any) error {
	log.WithFields(log.Fields{
		"identity": identity,
		"subject":  subject,
		"params":   params,
	}).Info("quota notification")
	return nil
}

// DBNotifier persists notifications for the recipient to read later.
type DBNotifier struct {
	db *gorm.DB
}

// NewDBNotifier constructs a DBNotifier.
func NewDBNotifier(db *gorm.DB) *DBNotifier {
	return &DBNotifier{db: db}
}

// Notify stores one notification row.
func (n *DBNotifier) Notify(ctx context.Context, identity, subject string, params map[string]any) error {
	if n == nil || n.db == nil {
		return fmt.Errorf("quota: notify: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, errMarshal := json.Marshal(params)
	if errMarshal != nil {
		return fmt.Errorf("quota: notify: marshal params: %w", errMarshal)
	}
	row := models.Notification{
		UserID:    identity,
		Subject:   subject,
		Params:    datatypes.JSON(payload),
		CreatedAt: time.Now().UTC(),
	}
	if errCreate := n.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("quota: notify: %w", errCreate)
	}
	return nil
}

// MultiNotifier fans a message out to every sink and joins their errors.
type MultiNotifier []Notifier

// Notify delivers to each non-nil sink.
func (m MultiNotifier) Notify(ctx context.Context, identity, subject string, params map[string]any) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if errNotify := sink.Notify(ctx, identity, subject, params); errNotify != nil {
			errs = append(errs, errNotify)
		}
	}
	return errors.Join(errs...)
}
