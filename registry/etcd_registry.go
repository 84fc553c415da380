package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/apphost/services/"

// EtcdRegistry implements the Registry interface using etcd v3:
//
//	Key:   /apphost/services/{Name}
//	Value: JSON-encoded Record
//
// Registration uses TTL-based leases: if the supervisor crashes, the lease expires
// and the entry is automatically removed, so no ghost services stay listed.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	ttl    int64

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // Lease per registered name, revoked on Deregister
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
// ttl is the lease lifetime in seconds.
func NewEtcdRegistry(endpoints []string, ttl int64) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdRegistry{client: c, ttl: ttl, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register stores rec under a fresh lease.
//
// Flow:
//  1. Create a lease with the registry TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(ctx context.Context, rec Record) error {
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if _, err = r.client.Put(ctx, keyPrefix+rec.Name, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives the registering call, so it must not inherit its context
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	old, had := r.leases[rec.Name]
	r.leases[rec.Name] = lease.ID
	r.mu.Unlock()
	if had {
		_, _ = r.client.Revoke(ctx, old)
	}
	return nil
}

// Deregister revokes the lease of name, which also deletes its key and stops KeepAlive.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	lease, ok := r.leases[name]
	delete(r.leases, name)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return err
		}
		return nil
	}
	_, err := r.client.Delete(ctx, keyPrefix+name)
	return err
}

func (r *EtcdRegistry) Lookup(ctx context.Context, name string) (Record, error) {
	resp, err := r.client.Get(ctx, keyPrefix+name)
	if err != nil {
		return Record{}, err
	}
	if len(resp.Kvs) == 0 {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns every record under the service prefix.
func (r *EtcdRegistry) List(ctx context.Context) ([]Record, error) {
	resp, err := r.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue // Skip malformed entries
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Close releases the etcd connection. Registered leases expire after their TTL.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
