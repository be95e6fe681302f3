// Package server реализует транспортный слой протокола синхронизации:
// маршрутизацию /sync и /msync, заголовок anki-sync, zstd-кодирование
// тел и трансляцию доменных ошибок в HTTP-статусы.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/iudanet/ankisyncd/internal/models"
)

// SyncHeaderName HTTP-заголовок с параметрами протокола.
const SyncHeaderName = "anki-sync"

// OriginalSizeHeader размер несжатого тела zstd-ответа.
const OriginalSizeHeader = "original-size"

// MinProtocolVersion минимальная поддерживаемая версия протокола.
// Более старым клиентам отвечаем 501.
const MinProtocolVersion = 11

// zstdMagic сигнатура кадра zstd в начале сжатого тела.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// SyncHeader содержимое заголовка anki-sync.
type SyncHeader struct {
	Version   int    `json:"v"` // версия протокола
	Key       string `json:"k"` // ключ сессии (hostkey или skey)
	ClientVer string `json:"c"` // строка версии клиента
	HostID    string `json:"s"` // идентификатор устройства
}

// parseSyncHeader разбирает заголовок anki-sync. Отсутствие заголовка не
// ошибка: такие запросы считаются запросами старых клиентов.
func parseSyncHeader(r *http.Request) (*SyncHeader, error) {
	raw := r.Header.Get(SyncHeaderName)
	if raw == "" {
		return nil, nil
	}
	h := &SyncHeader{}
	if err := json.Unmarshal([]byte(raw), h); err != nil {
		return nil, fmt.Errorf("%w: malformed sync header", models.ErrBadRequest)
	}
	return h, nil
}

// codec сжимает и разжимает тела запросов. Encoder и decoder klauspost
// потокобезопасны через EncodeAll/DecodeAll и создаются один раз.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

// readBody читает тело запроса с ограничением размера и разжимает его,
// если оно сжато. Сжатие распознаётся по сигнатуре кадра: клиенты шлют
// и сырые, и сжатые тела. Content-Length может отсутствовать,
// чанкованная передача читается как есть.
func (c *codec) readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: body too large or unreadable", models.ErrBadRequest)
	}
	if !bytes.HasPrefix(body, zstdMagic) {
		return body, nil
	}

	// лимит действует и на распакованный размер
	plain, err := c.dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed zstd body", models.ErrBadRequest)
	}
	if int64(len(plain)) > limit {
		return nil, fmt.Errorf("%w: body too large", models.ErrBadRequest)
	}
	return plain, nil
}

// compress сообщает, нужно ли сжимать ответ этому клиенту.
func compress(h *SyncHeader) bool {
	return h != nil && h.Version >= MinProtocolVersion
}

// writeData пишет тело ответа, сжимая его для современных клиентов и
// выставляя original-size.
func (c *codec) writeData(w http.ResponseWriter, h *SyncHeader, contentType string, data []byte) error {
	w.Header().Set("Content-Type", contentType)
	if compress(h) {
		w.Header().Set(OriginalSizeHeader, strconv.Itoa(len(data)))
		data = c.enc.EncodeAll(data, nil)
	}
	_, err := w.Write(data)
	return err
}

// writeJSON сериализует и пишет JSON-ответ.
func (c *codec) writeJSON(w http.ResponseWriter, h *SyncHeader, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return c.writeData(w, h, "application/json", data)
}
