// Package api содержит типы запросов и ответов проводного протокола
// синхронизации (версии 11 и выше). Структуры повторяют JSON-формы,
// которые шлют и ожидают клиенты; менять имена полей нельзя.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/ankisyncd/internal/models"
)

// HostKeyRequest запрос логина: POST /sync/hostKey
type HostKeyRequest struct {
	Username string `json:"u"`
	Password string `json:"p"`
}

// HostKeyResponse содержит выданный ключ сессии. Host — номер шарда,
// в односерверной установке всегда 0.
type HostKeyResponse struct {
	Key  string `json:"key"`
	Host int    `json:"host"`
}

// MetaRequest запрос POST /sync/meta. Клиент сообщает версию протокола и
// свою строку версии; современные клиенты добавляют локальное время (ms).
type MetaRequest struct {
	Version   int    `json:"v"`
	ClientVer string `json:"cv,omitempty"`
	LocalTime int64  `json:"ts,omitempty"`
}

// MetaResponse снимок состояния коллекции перед синхронизацией
type MetaResponse struct {
	Mod     int64  `json:"mod"`     // время последней модификации коллекции, ms
	Scm     int64  `json:"scm"`     // время последнего изменения схемы, ms
	Usn     int    `json:"usn"`     // текущий USN сервера
	Ts      int64  `json:"ts"`      // серверное время, секунды
	MUsn    int    `json:"musn"`    // текущий USN медиа
	Msg     string `json:"msg"`     // сообщение пользователю при cont=false
	Cont    bool   `json:"cont"`    // false — синхронизацию продолжать нельзя
	Empty   bool   `json:"empty"`   // true — коллекция ещё не загружалась
	Uname   string `json:"uname"`   // имя пользователя
	HostNum int    `json:"hostNum"` // номер шарда; всегда 0
}

// StartRequest запрос POST /sync/start: открывает контекст синхронизации
type StartRequest struct {
	MinUsn   int            `json:"minUsn"`
	LNewer   bool           `json:"lnewer"`
	Graves   *models.Graves `json:"graves,omitempty"`
	Offset   json.Number    `json:"offset,omitempty"`
	ClientAt int64          `json:"ts,omitempty"`
}

// ApplyGravesRequest запрос POST /sync/applyGraves: очередная порция надгробий
type ApplyGravesRequest struct {
	Chunk *models.Graves `json:"chunk"`
}

// Changes малые объекты коллекции, которыми стороны обмениваются в
// applyChanges. Слайсы моделей/колод кодируются парами
// [объекты, конфигурации колод] как в таблицах клиента.
type Changes struct {
	Models []json.RawMessage   `json:"models"`
	Decks  [][]json.RawMessage `json:"decks"`
	Tags   []string            `json:"tags"`
	Conf   json.RawMessage     `json:"conf,omitempty"`
	Crt    int64               `json:"crt,omitempty"`
}

// ApplyChangesRequest запрос POST /sync/applyChanges
type ApplyChangesRequest struct {
	Changes *Changes `json:"changes"`
}

// Chunk порция строк таблиц revlog, cards и notes. Строки — позиционные
// массивы в порядке колонок схемы; done выставляется на последней порции.
type Chunk struct {
	Done   bool              `json:"done"`
	Revlog []json.RawMessage `json:"revlog,omitempty"`
	Cards  []json.RawMessage `json:"cards,omitempty"`
	Notes  []json.RawMessage `json:"notes,omitempty"`
}

// ApplyChunkRequest запрос POST /sync/applyChunk
type ApplyChunkRequest struct {
	Chunk *Chunk `json:"chunk"`
}

// SanityCounts счётчики целостности коллекции. На проводе — массив из
// восьми элементов, первый из которых тройка счётчиков расписания
// (у клиента — реальные значения, при сравнении обнуляются).
type SanityCounts struct {
	Sched  [3]int
	Cards  int
	Notes  int
	Revlog int
	Graves int
	Models int
	Decks  int
	DConf  int
}

func (c SanityCounts) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		c.Sched, c.Cards, c.Notes, c.Revlog, c.Graves, c.Models, c.Decks, c.DConf,
	})
}

func (c *SanityCounts) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 8 {
		return fmt.Errorf("sanity counts: expected 8 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &c.Sched); err != nil {
		return fmt.Errorf("sanity counts: sched triple: %w", err)
	}
	targets := []*int{&c.Cards, &c.Notes, &c.Revlog, &c.Graves, &c.Models, &c.Decks, &c.DConf}
	for i, dst := range targets {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return fmt.Errorf("sanity counts: element %d: %w", i+1, err)
		}
	}
	return nil
}

// ZeroSched обнуляет тройку счётчиков расписания перед сравнением:
// сервер расписание не пересчитывает.
func (c SanityCounts) ZeroSched() SanityCounts {
	c.Sched = [3]int{}
	return c
}

// SanityCheckRequest запрос POST /sync/sanityCheck2
type SanityCheckRequest struct {
	Client *SanityCounts `json:"client"`
	Full   bool          `json:"full,omitempty"`
}

// SanityCheckResponse результат сверки. При расхождении status="bad" и
// обе стороны счётчиков возвращаются для диагностики.
type SanityCheckResponse struct {
	Status string        `json:"status"`
	Client *SanityCounts `json:"c,omitempty"`
	Server *SanityCounts `json:"s,omitempty"`
}

// FinishResponse ответ POST /sync/finish
type FinishResponse struct {
	Mod int64 `json:"mod"`
}

// UploadResponse ответ POST /sync/upload
type UploadResponse struct {
	Status string `json:"status"`
}
