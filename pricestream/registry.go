package pricestream

import (
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// subSender delivers subscription changes to the transport.
type subSender interface {
	requestSubChange(subscribe bool, symbols []string) error
}

// Registry reference-counts symbol interest across consumers and decides
// what the transport has to subscribe to and unsubscribe from. A symbol is
// on the wire if and only if at least one unreleased lease references it,
// no matter how many dashboard widgets display it.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	sender subSender
	logger Logger
}

type subscription struct {
	refCount  int
	consumers map[string]int
}

// Lease records one consumer's interest in a set of symbols. Release must
// be called exactly once when the interest ends. Releasing twice is an
// error, never releasing keeps the symbols on the wire forever.
type Lease struct {
	id       string
	consumer string
	symbols  []string

	mu       sync.Mutex
	released bool
	reg      *Registry
}

func newRegistry(sender subSender, logger Logger) *Registry {
	return &Registry{
		subs:   make(map[string]*subscription),
		sender: sender,
		logger: logger,
	}
}

// Subscribe registers consumer's interest in symbols and returns a lease
// that must be released when the interest ends. Duplicates within symbols
// are collapsed. Symbols that nobody else holds yet are sent to the server
// in a single batched subscribe message; symbols already on the wire only
// have their reference count increased and cause no network traffic.
//
// If the server rejects the change (e.g. symbol limit exceeded) the
// reference counts are rolled back and no lease is returned.
func (r *Registry) Subscribe(symbols []string, consumer string) (*Lease, error) {
	symbols = dedupe(symbols)

	r.mu.Lock()
	newSymbols := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sub := r.subs[s]
		if sub == nil {
			sub = &subscription{consumers: make(map[string]int)}
			r.subs[s] = sub
			newSymbols = append(newSymbols, s)
		}
		sub.refCount++
		sub.consumers[consumer]++
	}
	r.mu.Unlock()

	if len(newSymbols) > 0 {
		if err := r.sender.requestSubChange(true, newSymbols); err != nil {
			r.drop(symbols, consumer)
			return nil, err
		}
		r.logger.Infof("marketsync: subscribed to %v for %q", newSymbols, consumer)
	}

	return &Lease{
		id:       ulid.Make().String(),
		consumer: consumer,
		symbols:  symbols,
		reg:      r,
	}, nil
}

// ActiveSymbols returns the sorted set of symbols at least one lease
// currently references.
func (r *Registry) ActiveSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	symbols := make([]string, 0, len(r.subs))
	for s := range r.subs {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Count returns the reference count of a single symbol.
func (r *Registry) Count(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.subs[symbol]
	if sub == nil {
		return 0
	}
	return sub.refCount
}

// Len returns the number of symbols with at least one active lease.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) release(l *Lease) error {
	gone := r.drop(l.symbols, l.consumer)
	if len(gone) == 0 {
		return nil
	}
	if err := r.sender.requestSubChange(false, gone); err != nil {
		// The registry state stays as is: the symbols have no holders left
		// and are gone from ActiveSymbols, so a reconnect converges the
		// server to the same view.
		return err
	}
	r.logger.Infof("marketsync: unsubscribed from %v for %q", gone, l.consumer)
	return nil
}

// drop decrements the reference counts and returns the symbols that reached
// zero holders.
func (r *Registry) drop(symbols []string, consumer string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	gone := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sub := r.subs[s]
		if sub == nil {
			continue
		}
		sub.refCount--
		sub.consumers[consumer]--
		if sub.consumers[consumer] <= 0 {
			delete(sub.consumers, consumer)
		}
		if sub.refCount <= 0 {
			delete(r.subs, s)
			gone = append(gone, s)
		}
	}
	return gone
}

// ID returns the unique identifier of the lease.
func (l *Lease) ID() string {
	return l.id
}

// Consumer returns the consumer name the lease was taken for.
func (l *Lease) Consumer() string {
	return l.consumer
}

// Symbols returns a copy of the symbols the lease references.
func (l *Lease) Symbols() []string {
	symbols := make([]string, len(l.symbols))
	copy(symbols, l.symbols)
	return symbols
}

// Release gives up the lease's interest in its symbols. Symbols whose last
// holder goes away are unsubscribed from the server in a single batched
// message. Calling Release more than once returns ErrLeaseReleased and has
// no further effect.
func (l *Lease) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrLeaseReleased
	}
	l.released = true
	l.mu.Unlock()
	return l.reg.release(l)
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	res := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		res = append(res, s)
	}
	return res
}
