package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ankisyncd/internal/auth"
	"github.com/iudanet/ankisyncd/internal/collection"
	"github.com/iudanet/ankisyncd/internal/config"
	"github.com/iudanet/ankisyncd/internal/media"
	"github.com/iudanet/ankisyncd/internal/session"
	"github.com/iudanet/ankisyncd/internal/syncer"
	"github.com/iudanet/ankisyncd/pkg/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	router http.Handler
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

func setupServer(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	users, err := auth.NewSQLiteStore(context.Background(), filepath.Join(dir, "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = users.Close()
	})
	_, err = users.CreateUser(context.Background(), "alice", "secret123")
	require.NoError(t, err)

	reg, err := session.NewRegistry(filepath.Join(dir, "sessions.db"), users, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Close()
	})

	store := collection.NewStore(filepath.Join(dir, "data"), logger)
	mediaMgr := media.NewManager(store, reg, 100<<20, logger)
	t.Cleanup(func() {
		_ = mediaMgr.Close()
	})
	engine := syncer.NewEngine(store, reg, mediaMgr, logger)

	cfg := &config.Config{
		Host:                 "127.0.0.1",
		Port:                 0,
		DataRoot:             filepath.Join(dir, "data"),
		MaxUploadBytes:       250 << 20,
		MaxMediaPayloadBytes: 100 << 20,
	}
	srv, err := New(cfg, reg, engine, mediaMgr, logger)
	require.NoError(t, err)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)

	return &fixture{router: srv.Router(), enc: enc, dec: dec}
}

// post шлёт zstd-сжатое тело с заголовком anki-sync и возвращает
// разжатый ответ.
func (f *fixture) post(t *testing.T, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, path,
		bytes.NewReader(f.enc.EncodeAll(raw, nil)))
	req.Header.Set("Content-Type", "application/octet-stream")
	header, err := json.Marshal(&SyncHeader{Version: 11, Key: key, ClientVer: "anki,25.02", HostID: "host1"})
	require.NoError(t, err)
	req.Header.Set(SyncHeaderName, string(header))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// responseBody разжимает тело ответа, если выставлен original-size.
func (f *fixture) responseBody(t *testing.T, rec *httptest.ResponseRecorder) []byte {
	t.Helper()
	raw := rec.Body.Bytes()
	size := rec.Header().Get(OriginalSizeHeader)
	if size == "" {
		return raw
	}
	plain, err := f.dec.DecodeAll(raw, nil)
	require.NoError(t, err)
	n, err := strconv.Atoi(size)
	require.NoError(t, err)
	require.Len(t, plain, n)
	return plain
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	rec := f.post(t, "/sync/hostKey", "", &api.HostKeyRequest{Username: "alice", Password: "secret123"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.HostKeyResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &resp))
	require.NotEmpty(t, resp.Key)
	return resp.Key
}

func TestServer_HostKeyProbe(t *testing.T) {
	f := setupServer(t)

	// пустые учётные данные — зонд: канонический ответ 400
	rec := f.post(t, "/sync/hostKey", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"err":"expected auth"}`, rec.Body.String())
}

func TestServer_HostKeyBadCredentials(t *testing.T) {
	f := setupServer(t)

	rec := f.post(t, "/sync/hostKey", "", &api.HostKeyRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_HostKeyLogin(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)
	assert.Len(t, key, 32)
}

func TestServer_LegacyClientRejected(t *testing.T) {
	f := setupServer(t)

	// заголовок с версией протокола 10
	req := httptest.NewRequest(http.MethodPost, "/sync/meta", bytes.NewReader(nil))
	req.Header.Set(SyncHeaderName, `{"v":10,"k":"abc"}`)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	// совсем без заголовка
	req = httptest.NewRequest(http.MethodPost, "/sync/meta", bytes.NewReader(nil))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_MetaRequiresSession(t *testing.T) {
	f := setupServer(t)

	// пустой ключ — зонд
	rec := f.post(t, "/sync/meta", "", &api.MetaRequest{Version: 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"err":"expected auth"}`, rec.Body.String())

	// незнакомый ключ — отказ
	rec = f.post(t, "/sync/meta", "deadbeefdeadbeefdeadbeefdeadbeef", &api.MetaRequest{Version: 11})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_MetaRoundTrip(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	rec := f.post(t, "/sync/meta", key, &api.MetaRequest{Version: 11, ClientVer: "anki,25.02"})
	require.Equal(t, http.StatusOK, rec.Code)
	// ответ сжат и несёт исходный размер
	require.NotEmpty(t, rec.Header().Get(OriginalSizeHeader))

	var meta api.MetaResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &meta))
	assert.True(t, meta.Cont)
	assert.True(t, meta.Empty)
	assert.Equal(t, "alice", meta.Uname)
	assert.Equal(t, 0, meta.Usn)
}

func TestServer_PlainBodyAccepted(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	// несжатое тело распознаётся по отсутствию сигнатуры zstd
	raw, err := json.Marshal(&api.MetaRequest{Version: 11})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/sync/meta", bytes.NewReader(raw))
	req.Header.Set(SyncHeaderName, `{"v":11,"k":"`+key+`"}`)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_IncrementalSyncFlow(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	// start
	rec := f.post(t, "/sync/start", key, &api.StartRequest{MinUsn: 0, LNewer: false})
	require.Equal(t, http.StatusOK, rec.Code)

	// applyChanges с пустыми изменениями
	rec = f.post(t, "/sync/applyChanges", key, &api.ApplyChangesRequest{Changes: &api.Changes{}})
	require.Equal(t, http.StatusOK, rec.Code)
	var changes api.Changes
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &changes))

	// chunk до done
	rec = f.post(t, "/sync/chunk", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chunk api.Chunk
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &chunk))
	assert.True(t, chunk.Done)

	// sanityCheck2 на пустой коллекции
	rec = f.post(t, "/sync/sanityCheck2", key, &api.SanityCheckRequest{
		Client: &api.SanityCounts{Sched: [3]int{1, 2, 3}, Decks: 1, DConf: 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var sanity api.SanityCheckResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &sanity))
	assert.Equal(t, "ok", sanity.Status)

	// finish возвращает серверный mod
	rec = f.post(t, "/sync/finish", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fin api.FinishResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &fin))
	assert.Positive(t, fin.Mod)
}

func TestServer_BusySecondSession(t *testing.T) {
	f := setupServer(t)
	key1 := f.login(t)
	key2 := f.login(t)

	rec := f.post(t, "/sync/start", key1, &api.StartRequest{MinUsn: 0})
	require.Equal(t, http.StatusOK, rec.Code)

	// вторая сессия того же пользователя получает 409
	rec = f.post(t, "/sync/start", key2, &api.StartRequest{MinUsn: 0})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.post(t, "/sync/abort", key1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_WrongStateIsBadRequest(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	// chunk без start
	rec := f.post(t, "/sync/chunk", key, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UnknownOperation(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	rec := f.post(t, "/sync/doesNotExist", key, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_MediaFlow(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	// begin по полному ключу выдаёт короткий
	rec := f.post(t, "/msync/begin", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var begin api.MediaBeginResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &begin))
	require.NotEmpty(t, begin.Data.Skey)
	assert.Equal(t, 0, begin.Data.Usn)

	skey := begin.Data.Skey

	// пустой журнал — прямой массив [], не null и не объект
	rec = f.post(t, "/msync/mediaChanges", skey, &api.MediaChangesRequest{LastUsn: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", string(bytes.TrimSpace(f.responseBody(t, rec))))

	// загрузка архива с одним файлом
	archive := buildTestArchive(t, map[string][]byte{"a.jpg": []byte("aaa")})
	rec = f.post(t, "/msync/uploadChanges", skey, archive)
	require.Equal(t, http.StatusOK, rec.Code)
	var up api.MediaUploadResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &up))
	assert.Equal(t, 1, up.Data.Processed)
	assert.Equal(t, 1, up.Data.CurrentUsn)

	// изменения видны и детерминированы
	rec = f.post(t, "/msync/mediaChanges", skey, &api.MediaChangesRequest{LastUsn: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	first := f.responseBody(t, rec)
	var list []api.MediaChange
	require.NoError(t, json.Unmarshal(first, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "a.jpg", list[0].Fname)

	rec = f.post(t, "/msync/mediaChanges", skey, &api.MediaChangesRequest{LastUsn: 0})
	assert.Equal(t, first, f.responseBody(t, rec))

	// выгрузка файла
	rec = f.post(t, "/msync/downloadFiles", skey, &api.MediaDownloadRequest{Files: []string{"a.jpg"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, f.responseBody(t, rec))

	// sanity совпадает
	rec = f.post(t, "/msync/mediaSanity", skey, &api.MediaSanityRequest{Local: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	var sanity api.MediaSanityResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &sanity))
	assert.Equal(t, api.MediaSanityOK, sanity.Data)
}

func TestServer_FullUploadDownload(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	// готовим валидный файл коллекции
	dir := t.TempDir()
	path := filepath.Join(dir, "upload.anki2")
	col, err := collection.Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, col.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	rec := f.post(t, "/sync/upload", key, data)
	require.Equal(t, http.StatusOK, rec.Code)
	var up api.UploadResponse
	require.NoError(t, json.Unmarshal(f.responseBody(t, rec), &up))
	assert.Equal(t, "OK", up.Status)

	rec = f.post(t, "/sync/download", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := f.responseBody(t, rec)
	// файл SQLite начинается с фиксированной сигнатуры
	assert.True(t, bytes.HasPrefix(body, []byte("SQLite format 3")))
}

func TestServer_UploadRejectsGarbage(t *testing.T) {
	f := setupServer(t)
	key := f.login(t)

	rec := f.post(t, "/sync/upload", key, []byte("this is not a database"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// buildTestArchive собирает zip загрузки с _meta вида [[member, name]].
func buildTestArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	meta := [][]string{}
	i := 0
	for name, data := range files {
		member := strconv.Itoa(i)
		w, err := zw.Create(member)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		meta = append(meta, []string{member, name})
		i++
	}

	metaData, err := json.Marshal(meta)
	require.NoError(t, err)
	w, err := zw.Create("_meta")
	require.NoError(t, err)
	_, err = w.Write(metaData)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
