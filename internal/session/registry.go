// Package session хранит авторизованные сессии клиентов и сериализует
// синхронизацию по пользователю. Сессии персистентны (BoltDB) и переживают
// рестарт сервера; блокировки — только в памяти.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/ankisyncd/internal/auth"
	"github.com/iudanet/ankisyncd/internal/models"
)

var bucketSessions = []byte("sessions")

// Registry реестр сессий: выдаёт hostKey при логине, находит сессию по
// ключу и держит по-пользовательские блокировки.
type Registry struct {
	db      *bbolt.DB
	gateway auth.Gateway
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*models.Session // hkey -> session
	locks map[string]*userLock       // username -> lock
}

type userLock struct {
	mu sync.Mutex
}

// NewRegistry открывает базу сессий и поднимает кеш.
func NewRegistry(dbPath string, gateway auth.Gateway, logger *slog.Logger) (*Registry, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}

	r := &Registry{
		db:      db,
		gateway: gateway,
		logger:  logger,
		cache:   make(map[string]*models.Session),
		locks:   make(map[string]*userLock),
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return fmt.Errorf("failed to create sessions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// Close closes the session database
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Login проверяет учётные данные через шлюз идентификации и выдаёт
// новый hostKey. Прежние сессии пользователя остаются действительными:
// клиенты синхронизируются с нескольких устройств.
func (r *Registry) Login(ctx context.Context, username, secret, clientVer, hostID string) (*models.Session, error) {
	if err := r.gateway.Authenticate(ctx, username, secret); err != nil {
		return nil, err
	}

	key, err := newKey()
	if err != nil {
		return nil, fmt.Errorf("failed to mint session key: %w", err)
	}

	sess := &models.Session{
		Key:       key,
		Username:  username,
		HostID:    hostID,
		ClientVer: clientVer,
		CreatedAt: time.Now().UTC(),
	}

	if err := r.save(sess); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[sess.Key] = sess
	r.mu.Unlock()

	r.logger.Info("session created", "username", username, "host", hostID)
	return sess, nil
}

// Resolve находит сессию по hostKey. Незнакомый ключ — ErrUnauthorized.
func (r *Registry) Resolve(hkey string) (*models.Session, error) {
	if hkey == "" {
		return nil, models.ErrUnauthorized
	}

	r.mu.Lock()
	sess, ok := r.cache[hkey]
	r.mu.Unlock()
	if ok {
		return sess, nil
	}

	// Кеш пуст после рестарта; пробуем базу
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(hkey))
		if data == nil {
			return models.ErrUnauthorized
		}
		sess = &models.Session{}
		if err := json.Unmarshal(data, sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[hkey] = sess
	r.mu.Unlock()
	return sess, nil
}

// ResolveSkey находит сессию по короткому медиа-ключу (префикс hkey).
func (r *Registry) ResolveSkey(skey string) (*models.Session, error) {
	if skey == "" {
		return nil, models.ErrUnauthorized
	}

	r.mu.Lock()
	for _, sess := range r.cache {
		if sess.SkeyPrefix() == skey {
			r.mu.Unlock()
			return sess, nil
		}
	}
	r.mu.Unlock()

	var found *models.Session
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		prefix := []byte(skey)
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == skey; k, v = c.Next() {
			sess := &models.Session{}
			if err := json.Unmarshal(v, sess); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			found = sess
			return nil
		}
		return models.ErrUnauthorized
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[found.Key] = found
	r.mu.Unlock()
	return found, nil
}

// Delete удаляет сессию по ключу.
func (r *Registry) Delete(hkey string) error {
	r.mu.Lock()
	delete(r.cache, hkey)
	r.mu.Unlock()

	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(hkey))
	})
}

// PurgeUser удаляет все сессии пользователя (операторский сценарий:
// сброс учётной записи).
func (r *Registry) PurgeUser(username string) error {
	r.mu.Lock()
	for k, sess := range r.cache {
		if sess.Username == username {
			delete(r.cache, k)
		}
	}
	r.mu.Unlock()

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		c := bucket.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			sess := &models.Session{}
			if err := json.Unmarshal(v, sess); err != nil {
				continue
			}
			if sess.Username == username {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Acquire захватывает блокировку синхронизации пользователя без ожидания.
// Возвращает ErrBusy, если другая синхронизация уже идёт.
func (r *Registry) Acquire(username string) (release func(), err error) {
	r.mu.Lock()
	l, ok := r.locks[username]
	if !ok {
		l = &userLock{}
		r.locks[username] = l
	}
	r.mu.Unlock()

	if !l.mu.TryLock() {
		return nil, models.ErrBusy
	}
	return l.mu.Unlock, nil
}

// Busy сообщает, идёт ли сейчас синхронизация пользователя.
func (r *Registry) Busy(username string) bool {
	r.mu.Lock()
	l, ok := r.locks[username]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if l.mu.TryLock() {
		l.mu.Unlock()
		return false
	}
	return true
}

func (r *Registry) save(sess *models.Session) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		if err := tx.Bucket(bucketSessions).Put([]byte(sess.Key), data); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// newKey возвращает 128 бит криптографической энтропии в hex.
func newKey() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
