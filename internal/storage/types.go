package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	Username     string `msgpack:"username"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.Username)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBMessage struct {
	Sender    string `msgpack:"sender"`
	Receiver  string `msgpack:"receiver"`
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"timestamp"`
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBFile struct {
	ID          string `msgpack:"id"`
	FileName    string `msgpack:"fileName"`
	StoragePath string `msgpack:"storagePath"`
	Sender      string `msgpack:"sender"`
	Receiver    string `msgpack:"receiver"`
	Timestamp   int64  `msgpack:"timestamp"`
}

func (f *DBFile) Key() []byte {
	return []byte(f.ID)
}

func (f *DBFile) MarshalBinary() (data []byte, err error) {
	type alias DBFile
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFile) UnmarshalBinary(data []byte) error {
	type alias DBFile
	return msgpack.Unmarshal(data, (*alias)(f))
}
