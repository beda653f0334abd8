package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/ledgerline/backend/internal/broker"
	"github.com/ledgerline/backend/internal/models"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishAccount(ctx context.Context, event string, account *models.Account) error {
	args := m.Called(event, account)
	return args.Error(0)
}

func (m *MockPublisher) PublishTransaction(ctx context.Context, event string, tx *models.Transaction) error {
	args := m.Called(event, tx)
	return args.Error(0)
}

// recordingPublisher keeps every event, safe for concurrent use.
type recordingPublisher struct {
	mu           sync.Mutex
	accounts     []models.Account
	transactions []models.Transaction
}

func (p *recordingPublisher) PublishAccount(ctx context.Context, event string, account *models.Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = append(p.accounts, *account)
	return nil
}

func (p *recordingPublisher) PublishTransaction(ctx context.Context, event string, tx *models.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactions = append(p.transactions, *tx)
	return nil
}

// memoryLedgerStore holds one mutex per account as its row lock. Writes are
// staged and only become visible when fn returns nil.
type memoryLedgerStore struct {
	mu                sync.Mutex
	locks             map[string]*sync.Mutex
	accounts          map[string]models.Account
	transactions      []models.Transaction
	transientFailures int
	attempts          int
}

func newMemoryLedgerStore(accounts ...models.Account) *memoryLedgerStore {
	s := &memoryLedgerStore{
		locks:    make(map[string]*sync.Mutex),
		accounts: make(map[string]models.Account),
	}
	for _, a := range accounts {
		s.locks[a.ID] = &sync.Mutex{}
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memoryLedgerStore) InsertAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return fmt.Errorf("duplicate account %s", account.ID)
	}
	s.locks[account.ID] = &sync.Mutex{}
	s.accounts[account.ID] = *account
	return nil
}

func (s *memoryLedgerStore) WithLockedAccount(ctx context.Context, accountID string, fn func(ctx context.Context, tx LedgerTx, account *models.Account) error) error {
	s.mu.Lock()
	s.attempts++
	if s.transientFailures > 0 {
		s.transientFailures--
		s.mu.Unlock()
		return fmt.Errorf("%w: lock wait timeout", ErrTransientStore)
	}
	lock, ok := s.locks[accountID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	account := s.accounts[accountID]
	s.mu.Unlock()

	staged := &memoryLedgerTx{}
	if err := fn(ctx, staged, &account); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if staged.account != nil {
		s.accounts[accountID] = *staged.account
	}
	s.transactions = append(s.transactions, staged.transactions...)
	return nil
}

func (s *memoryLedgerStore) account(id string) models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *memoryLedgerStore) committed() []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Transaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

type memoryLedgerTx struct {
	account      *models.Account
	transactions []models.Transaction
}

func (t *memoryLedgerTx) SaveAccount(ctx context.Context, account *models.Account) error {
	saved := *account
	t.account = &saved
	return nil
}

func (t *memoryLedgerTx) AppendTransaction(ctx context.Context, record *models.Transaction) error {
	t.transactions = append(t.transactions, *record)
	return nil
}

func resultingBalances(txs []models.Transaction) []int64 {
	out := make([]int64, 0, len(txs))
	for _, t := range txs {
		out = append(out, t.ResultingBalance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// memoryReadStore is a map backed ReadStore.
type memoryReadStore struct {
	mu           sync.Mutex
	users        map[string]models.User
	accounts     map[string]models.Account
	transactions map[string]models.Transaction
}

func newMemoryReadStore() *memoryReadStore {
	return &memoryReadStore{
		users:        make(map[string]models.User),
		accounts:     make(map[string]models.Account),
		transactions: make(map[string]models.Transaction),
	}
}

func (s *memoryReadStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return &u, nil
}

func (s *memoryReadStore) InsertUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		s.users[user.ID] = *user
	}
	return nil
}

func (s *memoryReadStore) UpdateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		s.users[user.ID] = *user
	}
	return nil
}

func (s *memoryReadStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

func (s *memoryReadStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return &a, nil
}

func (s *memoryReadStore) InsertAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; !ok {
		s.accounts[account.ID] = *account
	}
	return nil
}

func (s *memoryReadStore) UpdateAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		s.accounts[account.ID] = *account
	}
	return nil
}

func (s *memoryReadStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *memoryReadStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return &t, nil
}

func (s *memoryReadStore) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.ID]; !ok {
		s.transactions[tx.ID] = *tx
	}
	return nil
}

func (s *memoryReadStore) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.ID]; ok {
		s.transactions[tx.ID] = *tx
	}
	return nil
}

func (s *memoryReadStore) DeleteTransaction(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transactions, id)
	return nil
}

func (s *memoryReadStore) ListTransactions(ctx context.Context, userID string, filter TransactionFilter, ordering Ordering) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.transactions {
		if a, ok := s.accounts[t.AccountID]; !ok || a.OwnerID != userID {
			continue
		}
		if filter.AccountID != "" && t.AccountID != filter.AccountID {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return ordering.compare(&out[i], &out[j]) < 0 })
	return out, nil
}

type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) InvalidateNamespace(ctx context.Context, namespace string) error {
	args := m.Called(namespace)
	return args.Error(0)
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, topic string, envelope *models.ChangeEvent) error {
	args := m.Called(topic, envelope)
	return args.Error(0)
}

// topicBroker records published bodies per topic.
type topicBroker struct {
	mu     sync.Mutex
	topics map[string][][]byte
}

func newTopicBroker() *topicBroker {
	return &topicBroker{topics: make(map[string][][]byte)}
}

func (b *topicBroker) Publish(ctx context.Context, topic, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = append(b.topics[topic], body)
	return nil
}

func (b *topicBroker) Consume(ctx context.Context, topic string, handler broker.Handler) error {
	for _, body := range b.drain(topic) {
		if err := handler(ctx, body); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *topicBroker) Close() error { return nil }

func (b *topicBroker) drain(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	bodies := b.topics[topic]
	delete(b.topics, topic)
	return bodies
}

// loopbackBroker delivers every published body to the topic's consumer
// straight away, the way a list or log transport re-delivers a requeue.
type loopbackBroker struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	counts map[string]int
}

func newLoopbackBroker() *loopbackBroker {
	return &loopbackBroker{
		queues: make(map[string]chan []byte),
		counts: make(map[string]int),
	}
}

func (b *loopbackBroker) queue(topic string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan []byte, 64)
		b.queues[topic] = q
	}
	return q
}

func (b *loopbackBroker) Publish(ctx context.Context, topic, key string, body []byte) error {
	b.mu.Lock()
	b.counts[topic]++
	b.mu.Unlock()
	b.queue(topic) <- body
	return nil
}

func (b *loopbackBroker) Consume(ctx context.Context, topic string, handler broker.Handler) error {
	q := b.queue(topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body := <-q:
			if err := handler(ctx, body); err != nil {
				return err
			}
		}
	}
}

func (b *loopbackBroker) Close() error { return nil }

func (b *loopbackBroker) published(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[topic]
}
