package mvcc

import "errors"

// ErrTxnFinished is returned by operations on a transaction that was already
// committed or discarded.
var ErrTxnFinished = errors.New("mvcc: transaction already finished")

type txnWrite struct {
	op    OpType
	value []byte
}

// Txn buffers a transaction's writes locally and reads from a snapshot taken
// at its start timestamp. Nothing touches the replicated state until the
// buffered write set is proposed through consensus; conflict validation
// happens there, at apply time. A Txn is not safe for concurrent use.
type Txn struct {
	store   *Store
	startTS uint64

	writes map[string]txnWrite
	order  []string
	done   bool
}

// Begin opens a transaction reading at startTS. The caller obtains startTS
// from the oracle; replicas following the log never call Begin.
func (s *Store) Begin(startTS uint64) *Txn {
	return &Txn{
		store:   s,
		startTS: startTS,
		writes:  make(map[string]txnWrite),
	}
}

// StartTS returns the transaction's snapshot timestamp, which doubles as its
// transaction id.
func (t *Txn) StartTS() uint64 {
	return t.startTS
}

// Get reads key at the transaction's snapshot, with the transaction's own
// buffered writes visible.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxnFinished
	}
	if w, ok := t.writes[string(key)]; ok {
		if w.op == OpDelete {
			return nil, false, nil
		}
		return append([]byte(nil), w.value...), true, nil
	}
	return t.store.Get(key, t.startTS)
}

// Put buffers a write of key to value.
func (t *Txn) Put(key, value []byte) error {
	return t.buffer(key, txnWrite{op: OpPut, value: append([]byte(nil), value...)})
}

// Delete buffers a delete of key.
func (t *Txn) Delete(key []byte) error {
	return t.buffer(key, txnWrite{op: OpDelete})
}

func (t *Txn) buffer(key []byte, w txnWrite) error {
	if t.done {
		return ErrTxnFinished
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	k := string(key)
	if _, exists := t.writes[k]; !exists {
		t.order = append(t.order, k)
	}
	t.writes[k] = w
	return nil
}

// Pending returns the number of keys in the write set.
func (t *Txn) Pending() int {
	return len(t.writes)
}

// Command consumes the transaction and builds the log command carrying its
// write set, stamped with the given commit timestamp. An empty write set
// still yields a command; callers skip proposing it.
func (t *Txn) Command(commitTS uint64) (Command, error) {
	if t.done {
		return Command{}, ErrTxnFinished
	}
	t.done = true

	cmd := Command{
		Type:     TxnCommand,
		TxnID:    t.startTS,
		StartTS:  t.startTS,
		CommitTS: commitTS,
	}
	for _, k := range t.order {
		w := t.writes[k]
		cmd.Ops = append(cmd.Ops, Op{Type: w.op, Key: []byte(k), Value: w.value})
	}
	return cmd, nil
}

// Discard abandons the transaction without committing. Safe to call after
// Command; it then has no effect.
func (t *Txn) Discard() {
	t.done = true
}
