package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ankisyncd/internal/collection"
	"github.com/iudanet/ankisyncd/internal/models"
	"github.com/iudanet/ankisyncd/internal/session"
	"github.com/iudanet/ankisyncd/pkg/api"
)

type allowAll struct{}

func (allowAll) Authenticate(context.Context, string, string) error { return nil }

type fakeMedia struct{ usn int }

func (m *fakeMedia) LastUSN(context.Context, string) (int, error) { return m.usn, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	engine   *Engine
	store    *collection.Store
	sessions *session.Registry
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	reg, err := session.NewRegistry(filepath.Join(dir, "sessions.db"), allowAll{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Close()
	})

	store := collection.NewStore(filepath.Join(dir, "data"), logger)
	return &fixture{
		engine:   NewEngine(store, reg, &fakeMedia{usn: 0}, logger),
		store:    store,
		sessions: reg,
	}
}

func (f *fixture) login(t *testing.T, username string) *models.Session {
	t.Helper()
	sess, err := f.sessions.Login(context.Background(), username, "", "anki,2.1.66", "h")
	require.NoError(t, err)
	return sess
}

func noteRow(id, mod int64, usn int, flds string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`[%d,"guid%d",1,%d,%d,"","%s","%s","1234",0,""]`, id, id, mod, usn, flds, flds))
}

func cardRow(id, nid, mod int64, usn int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`[%d,%d,1,0,%d,%d,0,0,1,0,2500,0,0,0,0,0,0,""]`, id, nid, mod, usn))
}

func revlogRow(id, cid int64, usn int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[%d,%d,%d,3,10,5,2500,4000,0]`, id, cid, usn))
}

func TestEngine_Meta(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	meta, err := f.engine.Meta(ctx, sess, &api.MetaRequest{Version: 11})
	require.NoError(t, err)
	assert.True(t, meta.Cont)
	assert.True(t, meta.Empty)
	assert.Equal(t, 0, meta.Usn)
	assert.Equal(t, "alice", meta.Uname)
	assert.Equal(t, 0, meta.HostNum)
	assert.NotZero(t, meta.Ts)
}

func TestEngine_Meta_ClockSkew(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	meta, err := f.engine.Meta(ctx, sess, &api.MetaRequest{Version: 11, LocalTime: 1000})
	require.NoError(t, err)
	assert.False(t, meta.Cont)
	assert.Contains(t, meta.Msg, "clock")
}

func TestEngine_FullRound(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	// client pushes one note with one card and a review entry
	graves, err := f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 0, LNewer: false})
	require.NoError(t, err)
	assert.True(t, graves.Empty())

	changes, err := f.engine.ApplyChanges(ctx, sess, &api.Changes{
		Models: []json.RawMessage{json.RawMessage(`{"id":1690000000000,"name":"Basic","mod":100,"usn":-1}`)},
		Tags:   []string{"verbs"},
	})
	require.NoError(t, err)
	// server side was empty, conf comes back because client said not newer
	assert.NotEmpty(t, changes.Conf)

	require.NoError(t, f.engine.ApplyChunk(ctx, sess, &api.Chunk{
		Revlog: []json.RawMessage{revlogRow(9000, 20, -1)},
		Cards:  []json.RawMessage{cardRow(20, 10, 55, -1)},
		Notes:  []json.RawMessage{noteRow(10, 50, -1, "front")},
		Done:   true,
	}))

	// server has nothing new for the client
	chunk, err := f.engine.Chunk(ctx, sess)
	require.NoError(t, err)
	assert.True(t, chunk.Done)
	assert.Empty(t, chunk.Cards)

	res, err := f.engine.SanityCheck(ctx, sess, &api.SanityCounts{
		Sched: [3]int{1, 2, 3}, // клиентское расписание обнуляется
		Cards: 1, Notes: 1, Revlog: 1, Graves: 0,
		Models: 1, Decks: 1, DConf: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)

	mod, err := f.engine.Finish(ctx, sess)
	require.NoError(t, err)
	assert.NotZero(t, mod)

	// usn monotonicity: the collection moved from 0 to 1
	meta, err := f.engine.Meta(ctx, sess, &api.MetaRequest{Version: 11})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Usn)
	assert.Equal(t, mod, meta.Mod)
	assert.False(t, meta.Empty)
}

func TestEngine_SecondClientReceivesChanges(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	first := f.login(t, "alice")

	// first device pushes a note
	_, err := f.engine.Start(ctx, first, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	_, err = f.engine.ApplyChanges(ctx, first, &api.Changes{})
	require.NoError(t, err)
	require.NoError(t, f.engine.ApplyChunk(ctx, first, &api.Chunk{
		Notes: []json.RawMessage{noteRow(10, 50, -1, "front")},
		Cards: []json.RawMessage{cardRow(20, 10, 55, -1)},
	}))
	_, err = f.engine.Finish(ctx, first)
	require.NoError(t, err)

	// second device starts from usn 0 and receives the rows
	second := f.login(t, "alice")
	_, err = f.engine.Start(ctx, second, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	_, err = f.engine.ApplyChanges(ctx, second, &api.Changes{})
	require.NoError(t, err)

	chunk, err := f.engine.Chunk(ctx, second)
	require.NoError(t, err)
	assert.True(t, chunk.Done)
	assert.Len(t, chunk.Notes, 1)
	assert.Len(t, chunk.Cards, 1)

	// round-trip identity: the note row comes back with csum as string
	var arr []interface{}
	require.NoError(t, json.Unmarshal(chunk.Notes[0], &arr))
	assert.Equal(t, "1234", arr[8])

	_, err = f.engine.Finish(ctx, second)
	require.NoError(t, err)
}

func TestEngine_GraveNoResurrection(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	// seed a card
	_, err := f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	_, err = f.engine.ApplyChanges(ctx, sess, &api.Changes{})
	require.NoError(t, err)
	require.NoError(t, f.engine.ApplyChunk(ctx, sess, &api.Chunk{
		Notes: []json.RawMessage{noteRow(10, 50, -1, "front")},
		Cards: []json.RawMessage{cardRow(20, 10, 55, -1)},
	}))
	_, err = f.engine.Finish(ctx, sess)
	require.NoError(t, err)

	// delete the card on the next sync
	g := models.NewGraves()
	g.Cards = append(g.Cards, 20)
	_, err = f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 1, Graves: g})
	require.NoError(t, err)
	_, err = f.engine.ApplyChanges(ctx, sess, &api.Changes{})
	require.NoError(t, err)
	_, err = f.engine.Finish(ctx, sess)
	require.NoError(t, err)

	// the grave is recorded, the card and its orphaned note are gone
	col, release, err := f.store.Acquire(ctx, "alice")
	require.NoError(t, err)
	var n int
	require.NoError(t, col.DB().QueryRow(`SELECT count() FROM graves WHERE oid = 20`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, col.DB().QueryRow(`SELECT count() FROM cards`).Scan(&n))
	assert.Equal(t, 0, n)
	require.NoError(t, col.DB().QueryRow(`SELECT count() FROM notes`).Scan(&n))
	assert.Equal(t, 0, n)
	release()

	// a fresh device syncing from zero receives the grave with the new usn
	other := f.login(t, "alice")
	graves, err := f.engine.Start(ctx, other, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	assert.Equal(t, []models.ObjectID{20}, graves.Cards)
	require.NoError(t, f.engine.Abort(ctx, other))
}

func TestEngine_Exclusivity(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	alice1 := f.login(t, "alice")
	alice2 := f.login(t, "alice")

	_, err := f.engine.Start(ctx, alice1, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)

	// second session is refused while the first is mid-flight
	_, err = f.engine.Start(ctx, alice2, &api.StartRequest{MinUsn: 0})
	assert.ErrorIs(t, err, models.ErrBusy)

	// meta for the second session reports busy instead of failing
	meta, err := f.engine.Meta(ctx, alice2, &api.MetaRequest{Version: 11})
	require.NoError(t, err)
	assert.False(t, meta.Cont)

	// operations against the open context from the wrong key are refused
	err = f.engine.ApplyChunk(ctx, alice2, &api.Chunk{})
	assert.ErrorIs(t, err, models.ErrBusy)

	require.NoError(t, f.engine.Abort(ctx, alice1))

	// lock is released after abort
	_, err = f.engine.Start(ctx, alice2, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	require.NoError(t, f.engine.Abort(ctx, alice2))
}

func TestEngine_RestartReplacesStaleContext(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	_, err := f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)

	// the same session may start over after an interrupted sync
	_, err = f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	require.NoError(t, f.engine.Abort(ctx, sess))
}

func TestEngine_SanityMismatchDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	_, err := f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	_, err = f.engine.ApplyChanges(ctx, sess, &api.Changes{})
	require.NoError(t, err)
	require.NoError(t, f.engine.ApplyChunk(ctx, sess, &api.Chunk{
		Notes: []json.RawMessage{noteRow(10, 50, -1, "front")},
	}))

	res, err := f.engine.SanityCheck(ctx, sess, &api.SanityCounts{Cards: 99})
	require.NoError(t, err)
	assert.Equal(t, "bad", res.Status)
	require.NotNil(t, res.Server)

	// staged note is gone
	col, release, err := f.store.Acquire(ctx, "alice")
	require.NoError(t, err)
	var n int
	require.NoError(t, col.DB().QueryRow(`SELECT count() FROM notes`).Scan(&n))
	assert.Equal(t, 0, n)
	release()

	// and the lock is free again
	_, err = f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	require.NoError(t, f.engine.Abort(ctx, sess))
}

func TestEngine_OperationsRequireStart(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	_, err := f.engine.Chunk(ctx, sess)
	assert.ErrorIs(t, err, models.ErrBadRequest)
	err = f.engine.ApplyChunk(ctx, sess, &api.Chunk{})
	assert.ErrorIs(t, err, models.ErrBadRequest)
	_, err = f.engine.Finish(ctx, sess)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestEngine_ChunkPagination(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	sess := f.login(t, "alice")

	// seed more rows than a single chunk carries
	_, err := f.engine.Start(ctx, sess, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	_, err = f.engine.ApplyChanges(ctx, sess, &api.Changes{})
	require.NoError(t, err)

	var notes []json.RawMessage
	for i := int64(1); i <= ChunkRows+10; i++ {
		notes = append(notes, noteRow(i, i, -1, "x"))
	}
	require.NoError(t, f.engine.ApplyChunk(ctx, sess, &api.Chunk{Notes: notes}))
	_, err = f.engine.Finish(ctx, sess)
	require.NoError(t, err)

	// a fresh device pages through them in order: revlog, cards, notes
	second := f.login(t, "alice")
	_, err = f.engine.Start(ctx, second, &api.StartRequest{MinUsn: 0})
	require.NoError(t, err)
	_, err = f.engine.ApplyChanges(ctx, second, &api.Changes{})
	require.NoError(t, err)

	first, err := f.engine.Chunk(ctx, second)
	require.NoError(t, err)
	assert.False(t, first.Done)
	assert.Len(t, first.Notes, ChunkRows)

	rest, err := f.engine.Chunk(ctx, second)
	require.NoError(t, err)
	assert.True(t, rest.Done)
	assert.Len(t, rest.Notes, 10)

	require.NoError(t, f.engine.Abort(ctx, second))
}
