// Package syncer реализует серверную машину состояний синхронизации
// коллекции: meta, start, applyGraves, applyChanges, chunk, applyChunk,
// sanityCheck2, finish, abort и полную выгрузку/загрузку.
package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/ankisyncd/internal/collection"
	"github.com/iudanet/ankisyncd/internal/models"
	"github.com/iudanet/ankisyncd/internal/session"
	"github.com/iudanet/ankisyncd/pkg/api"
)

// ChunkRows размер порции построчной выдачи.
const ChunkRows = 250

// maxClockSkew допустимое расхождение часов клиента и сервера.
const maxClockSkew = 5 * time.Minute

// MediaMeta отдаёт текущий USN медиа для ответа meta.
type MediaMeta interface {
	LastUSN(ctx context.Context, username string) (int, error)
}

// Engine машина состояний синхронизации. Между start и finish/abort
// изменения копятся в транзакции SQLite; ошибка на любом шаге откатывает
// транзакцию и снимает пользовательскую блокировку.
type Engine struct {
	store    *collection.Store
	sessions *session.Registry
	media    MediaMeta
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*transaction // username -> открытая синхронизация
}

type transaction struct {
	hkey        string
	col         *collection.Collection
	releaseCol  func()
	releaseLock func()
	tx          *sql.Tx

	minUsn int
	maxUsn int
	lnewer bool // серверные conf/crt новее клиентских

	tablesLeft []string
	offset     int
}

// NewEngine собирает движок синхронизации.
func NewEngine(store *collection.Store, sessions *session.Registry, media MediaMeta, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		sessions: sessions,
		media:    media,
		logger:   logger,
		active:   make(map[string]*transaction),
	}
}

// Meta возвращает снимок состояния коллекции перед синхронизацией.
func (e *Engine) Meta(ctx context.Context, sess *models.Session, req *api.MetaRequest) (*api.MetaResponse, error) {
	now := time.Now()

	// meta открывает новую синхронизацию: прежний контекст этой же сессии
	// устарел и сбрасывается, чтобы не держать соединение и блокировку
	e.dropStale(sess)

	// чужая синхронизация уже идёт
	if e.busyForOther(sess) {
		return &api.MetaResponse{
			Cont:  false,
			Msg:   "Another sync in progress, please try again shortly.",
			Ts:    now.Unix(),
			Uname: sess.Username,
		}, nil
	}

	// расхождение часов делает выбор победителя ненадёжным
	if req.LocalTime != 0 {
		skew := now.Sub(time.Unix(req.LocalTime, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxClockSkew {
			return &api.MetaResponse{
				Cont:  false,
				Msg:   "Your clock is off by more than 5 minutes; please fix it and try again.",
				Ts:    now.Unix(),
				Uname: sess.Username,
			}, nil
		}
	}

	col, release, err := e.store.Acquire(ctx, sess.Username)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, err := col.ReadMeta(ctx, col.DB())
	if err != nil {
		return nil, err
	}
	empty, err := col.IsEmpty(ctx, col.DB())
	if err != nil {
		return nil, err
	}
	musn, err := e.media.LastUSN(ctx, sess.Username)
	if err != nil {
		return nil, err
	}

	return &api.MetaResponse{
		Mod:     meta.Mod,
		Scm:     meta.Scm,
		Usn:     meta.Usn,
		Ts:      now.Unix(),
		MUsn:    musn,
		Msg:     "",
		Cont:    true,
		Empty:   empty,
		Uname:   sess.Username,
		HostNum: 0,
	}, nil
}

// Start открывает контекст синхронизации: берёт блокировку пользователя,
// фиксирует maxUsn/minUsn, применяет клиентские надгробия и возвращает
// серверные с usn >= minUsn.
func (e *Engine) Start(ctx context.Context, sess *models.Session, req *api.StartRequest) (*models.Graves, error) {
	e.mu.Lock()
	if old, ok := e.active[sess.Username]; ok {
		if old.hkey != sess.Key {
			e.mu.Unlock()
			return nil, models.ErrBusy
		}
		// та же сессия начинает заново: прежний контекст устарел
		e.discardLocked(sess.Username, old)
	}
	e.mu.Unlock()

	releaseLock, err := e.sessions.Acquire(sess.Username)
	if err != nil {
		return nil, err
	}

	col, releaseCol, err := e.store.Acquire(ctx, sess.Username)
	if err != nil {
		releaseLock()
		return nil, err
	}

	tx, err := col.Begin(ctx)
	if err != nil {
		releaseCol()
		releaseLock()
		return nil, err
	}

	tr := &transaction{
		hkey:        sess.Key,
		col:         col,
		releaseCol:  releaseCol,
		releaseLock: releaseLock,
		tx:          tx,
		minUsn:      req.MinUsn,
		lnewer:      !req.LNewer,
	}

	meta, err := col.ReadMeta(ctx, tx)
	if err != nil {
		e.fail(sess.Username, tr)
		return nil, err
	}
	tr.maxUsn = meta.Usn

	// серверные надгробия снимаются до применения клиентских
	lgraves, err := col.Graves(ctx, tx, tr.minUsn)
	if err != nil {
		e.fail(sess.Username, tr)
		return nil, err
	}

	if req.Graves != nil {
		if err := col.ApplyGraves(ctx, tx, req.Graves, tr.maxUsn); err != nil {
			e.fail(sess.Username, tr)
			return nil, err
		}
	}

	e.mu.Lock()
	e.active[sess.Username] = tr
	e.mu.Unlock()

	return lgraves, nil
}

// ApplyGraves применяет очередную порцию клиентских надгробий.
func (e *Engine) ApplyGraves(ctx context.Context, sess *models.Session, chunk *models.Graves) error {
	tr, err := e.current(sess)
	if err != nil {
		return err
	}
	if chunk == nil {
		return nil
	}
	if err := tr.col.ApplyGraves(ctx, tr.tx, chunk, tr.maxUsn); err != nil {
		e.fail(sess.Username, tr)
		return err
	}
	return nil
}

// ApplyChanges обменивается малыми объектами: серверные с usn >= minUsn
// уходят в ответ, клиентские вливаются по правилу "новее побеждает".
func (e *Engine) ApplyChanges(ctx context.Context, sess *models.Session, incoming *api.Changes) (*api.Changes, error) {
	tr, err := e.current(sess)
	if err != nil {
		return nil, err
	}

	out, err := e.collectChanges(ctx, tr)
	if err != nil {
		e.fail(sess.Username, tr)
		return nil, err
	}

	if incoming != nil {
		if err := e.mergeChanges(ctx, tr, incoming); err != nil {
			e.fail(sess.Username, tr)
			return nil, err
		}
	}

	// подготовка к построчной выдаче
	for _, table := range collection.SyncTables {
		if err := tr.col.StampPending(ctx, tr.tx, table, tr.maxUsn); err != nil {
			e.fail(sess.Username, tr)
			return nil, err
		}
	}
	tr.tablesLeft = append([]string(nil), collection.SyncTables...)
	tr.offset = 0

	return out, nil
}

func (e *Engine) collectChanges(ctx context.Context, tr *transaction) (*api.Changes, error) {
	mods, err := tr.col.ModelsSince(ctx, tr.tx, tr.minUsn)
	if err != nil {
		return nil, err
	}
	decks, dconf, err := tr.col.DecksSince(ctx, tr.tx, tr.minUsn)
	if err != nil {
		return nil, err
	}
	tags, err := tr.col.TagsSince(ctx, tr.tx, tr.minUsn)
	if err != nil {
		return nil, err
	}

	out := &api.Changes{
		Models: emptyIfNil(mods),
		Decks:  [][]json.RawMessage{emptyIfNil(decks), emptyIfNil(dconf)},
		Tags:   tags,
	}

	if tr.lnewer {
		conf, err := tr.col.Conf(ctx, tr.tx)
		if err != nil {
			return nil, err
		}
		meta, err := tr.col.ReadMeta(ctx, tr.tx)
		if err != nil {
			return nil, err
		}
		out.Conf = conf
		out.Crt = meta.Crt
	}
	return out, nil
}

func (e *Engine) mergeChanges(ctx context.Context, tr *transaction, in *api.Changes) error {
	if err := tr.col.MergeModels(ctx, tr.tx, in.Models, tr.maxUsn); err != nil {
		return err
	}

	var decks, dconf []json.RawMessage
	if len(in.Decks) > 0 {
		decks = in.Decks[0]
	}
	if len(in.Decks) > 1 {
		dconf = in.Decks[1]
	}
	if err := tr.col.MergeDecks(ctx, tr.tx, decks, dconf, tr.maxUsn); err != nil {
		return err
	}

	if err := tr.col.MergeTags(ctx, tr.tx, in.Tags, tr.maxUsn); err != nil {
		return err
	}

	// conf и crt клиент шлёт только когда его сторона новее
	if len(in.Conf) > 0 {
		if err := tr.col.SetConf(ctx, tr.tx, in.Conf); err != nil {
			return err
		}
	}
	return tr.col.SetCrt(ctx, tr.tx, in.Crt)
}

// Chunk выдаёт очередную порцию строк revlog, cards, notes — в этом
// порядке, не больше ChunkRows за вызов.
func (e *Engine) Chunk(ctx context.Context, sess *models.Session) (*api.Chunk, error) {
	tr, err := e.current(sess)
	if err != nil {
		return nil, err
	}

	out := &api.Chunk{}
	budget := ChunkRows

	for budget > 0 && len(tr.tablesLeft) > 0 {
		table := tr.tablesLeft[0]
		requested := budget
		rows, err := tr.col.RowsSince(ctx, tr.tx, table, tr.minUsn, requested, tr.offset)
		if err != nil {
			e.fail(sess.Username, tr)
			return nil, err
		}

		switch table {
		case "revlog":
			out.Revlog = append(out.Revlog, rows...)
		case "cards":
			out.Cards = append(out.Cards, rows...)
		case "notes":
			out.Notes = append(out.Notes, rows...)
		}

		budget -= len(rows)
		tr.offset += len(rows)
		if len(rows) < requested {
			// таблица исчерпана, переходим к следующей
			tr.tablesLeft = tr.tablesLeft[1:]
			tr.offset = 0
		}
	}

	out.Done = len(tr.tablesLeft) == 0
	return out, nil
}

// ApplyChunk вливает порцию клиентских строк. Надгробия уже применены,
// поэтому удалённые объекты не воскресают.
func (e *Engine) ApplyChunk(ctx context.Context, sess *models.Session, chunk *api.Chunk) error {
	tr, err := e.current(sess)
	if err != nil {
		return err
	}
	if chunk == nil {
		return nil
	}

	for _, part := range []struct {
		table string
		rows  []json.RawMessage
	}{
		{"revlog", chunk.Revlog},
		{"cards", chunk.Cards},
		{"notes", chunk.Notes},
	} {
		if len(part.rows) == 0 {
			continue
		}
		if err := tr.col.ApplyRows(ctx, tr.tx, part.table, part.rows, tr.maxUsn); err != nil {
			e.fail(sess.Username, tr)
			return err
		}
	}
	return nil
}

// SanityCheck сверяет счётчики сторон. Расхождение закрывает контекст
// и откатывает накопленные изменения.
func (e *Engine) SanityCheck(ctx context.Context, sess *models.Session, client *api.SanityCounts) (*api.SanityCheckResponse, error) {
	tr, err := e.current(sess)
	if err != nil {
		return nil, err
	}
	if client == nil {
		e.fail(sess.Username, tr)
		return nil, models.ErrBadRequest
	}

	server, err := e.serverCounts(ctx, tr)
	if err != nil {
		e.fail(sess.Username, tr)
		return nil, err
	}

	c := client.ZeroSched()
	if c != *server {
		e.logger.Info("sanity check failed",
			"username", sess.Username, "client", c, "server", *server)
		e.fail(sess.Username, tr)
		return &api.SanityCheckResponse{Status: "bad", Client: &c, Server: server}, nil
	}
	return &api.SanityCheckResponse{Status: "ok"}, nil
}

func (e *Engine) serverCounts(ctx context.Context, tr *transaction) (*api.SanityCounts, error) {
	out := &api.SanityCounts{}
	for _, probe := range []struct {
		table string
		dst   *int
	}{
		{"cards", &out.Cards},
		{"notes", &out.Notes},
		{"revlog", &out.Revlog},
		{"graves", &out.Graves},
	} {
		n, err := tr.col.Count(ctx, tr.tx, probe.table)
		if err != nil {
			return nil, err
		}
		*probe.dst = n
	}

	nmodels, ndecks, ndconf, err := tr.col.SmallCounts(ctx, tr.tx)
	if err != nil {
		return nil, err
	}
	out.Models = nmodels
	out.Decks = ndecks
	out.DConf = ndconf
	return out, nil
}

// Finish фиксирует синхронизацию: usn+1, mod и ls на серверное время,
// коммит транзакции, снятие блокировки.
func (e *Engine) Finish(ctx context.Context, sess *models.Session) (int64, error) {
	tr, err := e.current(sess)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	if err := tr.col.SetModified(ctx, tr.tx, now); err != nil {
		e.fail(sess.Username, tr)
		return 0, err
	}
	if err := tr.col.BumpUSN(ctx, tr.tx); err != nil {
		e.fail(sess.Username, tr)
		return 0, err
	}

	if err := tr.tx.Commit(); err != nil {
		e.fail(sess.Username, tr)
		return 0, err
	}

	e.mu.Lock()
	delete(e.active, sess.Username)
	e.mu.Unlock()
	tr.releaseCol()
	tr.releaseLock()

	e.logger.Info("sync finished", "username", sess.Username, "mod", now)
	return now, nil
}

// Abort откатывает контекст синхронизации.
func (e *Engine) Abort(ctx context.Context, sess *models.Session) error {
	tr, err := e.current(sess)
	if err != nil {
		return err
	}
	e.fail(sess.Username, tr)
	e.logger.Info("sync aborted", "username", sess.Username)
	return nil
}

// current возвращает открытую транзакцию сессии.
func (e *Engine) current(sess *models.Session) (*transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, ok := e.active[sess.Username]
	if !ok {
		return nil, models.ErrBadRequest
	}
	if tr.hkey != sess.Key {
		return nil, models.ErrBusy
	}
	return tr, nil
}

// busyForOther сообщает, держит ли блокировку другая сессия.
func (e *Engine) busyForOther(sess *models.Session) bool {
	e.mu.Lock()
	tr, ok := e.active[sess.Username]
	e.mu.Unlock()
	if ok && tr.hkey != sess.Key {
		return true
	}
	return !ok && e.sessions.Busy(sess.Username)
}

// fail откатывает транзакцию и снимает блокировку.
func (e *Engine) fail(username string, tr *transaction) {
	e.mu.Lock()
	if cur, ok := e.active[username]; ok && cur == tr {
		delete(e.active, username)
	}
	e.mu.Unlock()

	if err := tr.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		e.logger.Error("failed to roll back sync", "username", username, "error", err)
	}
	tr.releaseCol()
	tr.releaseLock()
}

// discardLocked сбрасывает устаревший контекст; e.mu уже взят.
func (e *Engine) discardLocked(username string, tr *transaction) {
	delete(e.active, username)
	if err := tr.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		e.logger.Error("failed to roll back stale sync", "username", username, "error", err)
	}
	tr.releaseCol()
	tr.releaseLock()
}

func emptyIfNil(in []json.RawMessage) []json.RawMessage {
	if in == nil {
		return []json.RawMessage{}
	}
	return in
}
