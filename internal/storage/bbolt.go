package storage

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"parley/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketFiles    = []byte("files")
)

// BboltStorage is the durable store behind the user directory and the
// message log. Message keys are the big-endian millisecond timestamp
// followed by a bucket sequence number, so a cursor walk is ascending
// timestamp order with a stable tie-break.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a new or updated user record.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			Username:     user.Username,
			PasswordHash: user.PasswordHash,
			CreatedAt:    user.CreatedAt,
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListUsers returns all user records stored in the database.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, models.User{
				Username:     dbUser.Username,
				PasswordHash: dbUser.PasswordHash,
				CreatedAt:    dbUser.CreatedAt,
			})
			return nil
		})
	})
	return users, err
}

// AppendMessage saves one chat message to the log.
func (s *BboltStorage) AppendMessage(message models.ChatMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message sequence: %w", err)
		}

		dbMessage := DBMessage{
			Sender:    message.Sender,
			Receiver:  message.Receiver,
			Content:   message.Content,
			Timestamp: message.Timestamp,
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return b.Put(messageKey(message.Timestamp, seq), data)
	})
}

// ListMessages returns the full message log in ascending timestamp order.
func (s *BboltStorage) ListMessages() ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.ChatMessage{
				Sender:    dbMsg.Sender,
				Receiver:  dbMsg.Receiver,
				Content:   dbMsg.Content,
				Timestamp: dbMsg.Timestamp,
			})
			return nil
		})
	})
	return messages, err
}

// ListMessagesFor returns, in ascending timestamp order, the messages
// visible to username: broadcasts plus anything they sent or received.
func (s *BboltStorage) ListMessagesFor(username string) ([]models.ChatMessage, error) {
	all, err := s.ListMessages()
	if err != nil {
		return nil, err
	}
	var visible []models.ChatMessage
	for _, m := range all {
		if m.VisibleTo(username) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// UpsertFileRecord stores the metadata of an uploaded file.
func (s *BboltStorage) UpsertFileRecord(record models.FileRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		dbFile := &DBFile{
			ID:          record.ID,
			FileName:    record.FileName,
			StoragePath: record.StoragePath,
			Sender:      record.Sender,
			Receiver:    record.Receiver,
			Timestamp:   record.Timestamp,
		}
		data, err := dbFile.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file record: %w", err)
		}
		return b.Put(dbFile.Key(), data)
	})
}

// GetFileRecord looks up one file record by ID.
func (s *BboltStorage) GetFileRecord(id string) (models.FileRecord, error) {
	var record models.FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbFile DBFile
		if err := dbFile.UnmarshalBinary(data); err != nil {
			return err
		}
		record = models.FileRecord{
			ID:          dbFile.ID,
			FileName:    dbFile.FileName,
			StoragePath: dbFile.StoragePath,
			Sender:      dbFile.Sender,
			Receiver:    dbFile.Receiver,
			Timestamp:   dbFile.Timestamp,
		}
		return nil
	})
	return record, err
}

// ListFileRecords returns all file records in ascending timestamp order.
func (s *BboltStorage) ListFileRecords() ([]models.FileRecord, error) {
	var records []models.FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.ForEach(func(k, v []byte) error {
			var dbFile DBFile
			if err := dbFile.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, models.FileRecord{
				ID:          dbFile.ID,
				FileName:    dbFile.FileName,
				StoragePath: dbFile.StoragePath,
				Sender:      dbFile.Sender,
				Receiver:    dbFile.Receiver,
				Timestamp:   dbFile.Timestamp,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// File keys are random IDs, so bucket order is not insertion order.
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	return records, nil
}

func messageKey(timestamp int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(timestamp))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}
