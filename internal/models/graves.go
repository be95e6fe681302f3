package models

import (
	"encoding/json"
	"strconv"
)

// ObjectID идентификатор объекта коллекции (карточка, заметка, колода).
// Значения — 64-битные миллисекундные эпох-идентификаторы; клиенты сериализуют
// их в JSON строками, чтобы не терять точность в JavaScript-реализациях.
// Принимаем и строку, и число, отдаём всегда строку.
type ObjectID int64

func (id ObjectID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(id), 10))
}

func (id *ObjectID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*id = ObjectID(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ObjectID(n)
	return nil
}

// Graves набор надгробий коллекции, сгруппированный по виду объекта.
// Поля всегда сериализуются массивами, даже пустыми.
type Graves struct {
	Cards []ObjectID `json:"cards"`
	Notes []ObjectID `json:"notes"`
	Decks []ObjectID `json:"decks"`
}

// NewGraves возвращает пустой набор с инициализированными слайсами.
func NewGraves() *Graves {
	return &Graves{
		Cards: []ObjectID{},
		Notes: []ObjectID{},
		Decks: []ObjectID{},
	}
}

// Empty сообщает, что надгробий нет.
func (g *Graves) Empty() bool {
	return g == nil || len(g.Cards)+len(g.Notes)+len(g.Decks) == 0
}

// Len возвращает общее число надгробий.
func (g *Graves) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Cards) + len(g.Notes) + len(g.Decks)
}

// Виды объектов в таблице graves. Значения совпадают с колонкой type
// на стороне клиента.
const (
	GraveCard = 0
	GraveNote = 1
	GraveDeck = 2
)
