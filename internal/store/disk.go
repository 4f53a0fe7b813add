package store

import (
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/RoanBrand/mqttcore/internal/topic"
	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var retainPrefix = []byte("r")

// retained message as stored on disk.
type record struct {
	Topic   string `msgpack:"t"`
	Payload []byte `msgpack:"p"`
	QoS     uint8  `msgpack:"q"`
}

type diskStore struct {
	db *badger.DB
}

func NewDiskStore(dir string) (*diskStore, error) {
	opts := badger.DefaultOptions
	opts.Dir, opts.ValueDir = dir, dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening retained store in %s", dir)
	}

	return &diskStore{db: db}, nil
}

func (s *diskStore) Close() error {
	return s.db.Close()
}

func retainKey(t string) []byte {
	key := make([]byte, 0, len(retainPrefix)+len(t))
	key = append(key, retainPrefix...)
	return append(key, t...)
}

func (s *diskStore) Retain(m model.Message) error {
	key := retainKey(m.Topic)

	if len(m.Payload) == 0 {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	}

	val, err := msgpack.Marshal(&record{Topic: m.Topic, Payload: m.Payload, QoS: uint8(m.QoS)})
	if err != nil {
		return errors.Wrap(err, "encoding retained message")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func decodeRecord(val []byte) (model.Message, error) {
	var r record
	if err := msgpack.Unmarshal(val, &r); err != nil {
		return model.Message{}, errors.Wrap(err, "decoding retained message")
	}
	return model.Message{Topic: r.Topic, Payload: r.Payload, QoS: model.QoS(r.QoS), Retain: true}, nil
}

func (s *diskStore) Match(filter string, fn func(m model.Message)) error {
	var found []model.Message

	err := s.db.View(func(txn *badger.Txn) error {
		if !model.HasWildcards(filter) {
			item, err := txn.Get(retainKey(filter))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			val, err := item.Value()
			if err != nil {
				return err
			}
			m, err := decodeRecord(val)
			if err != nil {
				return err
			}
			found = append(found, m)
			return nil
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(retainPrefix); it.ValidForPrefix(retainPrefix); it.Next() {
			item := it.Item()
			if !topic.Match(filter, string(item.Key()[len(retainPrefix):])) {
				continue
			}
			val, err := item.Value()
			if err != nil {
				return err
			}
			m, err := decodeRecord(val)
			if err != nil {
				return err
			}
			found = append(found, m)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// outside the transaction, fn may be slow
	for _, m := range found {
		fn(m)
	}
	return nil
}

func (s *diskStore) Len() int {
	n := 0
	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(retainPrefix); it.ValidForPrefix(retainPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n
}
