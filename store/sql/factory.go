package sqlstore

import (
	"fmt"

	"github.com/uptrace/bun"
)

// RepositoryFactory builds every SQL-backed store over one bun connection.
type RepositoryFactory struct {
	db *bun.DB

	eventStore        *EventStore
	triggerStore      *TriggerStore
	leaseStore        *LeaseStore
	notificationStore *NotificationStore
}

// NewRepositoryFactory accepts a *bun.DB or anything exposing DB() *bun.DB,
// such as a go-persistence-bun client.
func NewRepositoryFactory(persistenceClient any) (*RepositoryFactory, error) {
	db, err := resolveBunDB(persistenceClient)
	if err != nil {
		return nil, err
	}
	factory := &RepositoryFactory{db: db}
	if err := factory.initStores(); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) EventStore() *EventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) TriggerStore() *TriggerStore {
	if f == nil {
		return nil
	}
	return f.triggerStore
}

func (f *RepositoryFactory) LeaseStore() *LeaseStore {
	if f == nil {
		return nil
	}
	return f.leaseStore
}

func (f *RepositoryFactory) NotificationStore() *NotificationStore {
	if f == nil {
		return nil
	}
	return f.notificationStore
}

func (f *RepositoryFactory) initStores() error {
	eventStore, err := NewEventStore(f.db)
	if err != nil {
		return err
	}
	f.eventStore = eventStore
	triggerStore, err := NewTriggerStore(f.db)
	if err != nil {
		return err
	}
	f.triggerStore = triggerStore
	leaseStore, err := NewLeaseStore(f.db)
	if err != nil {
		return err
	}
	f.leaseStore = leaseStore
	notificationStore, err := NewNotificationStore(f.db)
	if err != nil {
		return err
	}
	f.notificationStore = notificationStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
