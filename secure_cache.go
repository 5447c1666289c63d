package pesakit

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SecureCacheConfig configures a SecureCache. Zero values take the
// documented defaults.
type SecureCacheConfig struct {
	// StdTTL is the default entry lifetime. Default one hour.
	StdTTL time.Duration `validate:"omitempty,gt=0"`
	// CheckPeriod is the background sweep interval for expired entries.
	// Default ten minutes.
	CheckPeriod time.Duration `validate:"omitempty,gt=0"`
	// EncryptionKey is the 32-byte AES-256 key. When nil a key is generated
	// at construction and held only in memory: entries do not survive a
	// process restart. The cache is a performance optimization, not a
	// source of truth.
	EncryptionKey []byte `validate:"omitempty,len=32"`
}

func (cfg SecureCacheConfig) withDefaults() SecureCacheConfig {
	if cfg.StdTTL == 0 {
		cfg.StdTTL = time.Hour
	}
	if cfg.CheckPeriod == 0 {
		cfg.CheckPeriod = 10 * time.Minute
	}
	return cfg
}

type secureEntry struct {
	payload   string
	expiresAt time.Time
}

// SecureCache is an encrypted in-memory key/value store with TTL. Values
// are JSON-serialized and AES-256-CBC encrypted with a random IV per write;
// the stored record is "iv_hex:ciphertext_hex". It is safe for concurrent
// use.
type SecureCache struct {
	cfg   SecureCacheConfig
	block cipher.Block

	mu      sync.RWMutex
	entries map[string]secureEntry

	evictMu   sync.Mutex
	onEvict   []func(key string)
	stop      chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}

	now func() time.Time
}

// NewSecureCache creates a cache, generating an encryption key when the
// config supplies none.
func NewSecureCache(cfg SecureCacheConfig) (*SecureCache, error) {
	cfg = cfg.withDefaults()
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key := cfg.EncryptionKey
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, newConfigError("cannot generate encryption key", err)
		}
		cfg.EncryptionKey = key
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newConfigError("cannot initialize cipher", err)
	}

	c := &SecureCache{
		cfg:       cfg,
		block:     block,
		entries:   make(map[string]secureEntry),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
		now:       time.Now,
	}
	go c.janitor()
	return c, nil
}

// OnEvict registers a listener invoked with the key of every entry removed
// by expiry, sweep or corruption purge. Explicit deletes do not notify.
func (c *SecureCache) OnEvict(fn func(key string)) {
	if fn == nil {
		return
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	c.onEvict = append(c.onEvict, fn)
}

// Set serializes, encrypts and stores value under key with the given TTL,
// or the default TTL when none is supplied.
func (c *SecureCache) Set(key string, value any, ttl ...time.Duration) error {
	d := c.cfg.StdTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}

	payload, err := c.encrypt(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[key] = secureEntry{payload: payload, expiresAt: c.now().Add(d)}
	c.mu.Unlock()
	return nil
}

// Get decrypts the entry for key into out and reports whether it was
// present. Absent, expired and undecryptable entries are all misses; a
// corrupted record is purged rather than surfaced, since it is
// unrecoverable and must not break the caller.
func (c *SecureCache) Get(key string, out any) bool {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	if !entry.expiresAt.After(c.now()) {
		c.purge(key)
		return false
	}

	if err := c.decrypt(entry.payload, out); err != nil {
		c.purge(key)
		return false
	}
	return true
}

// Has reports whether key holds a live entry. A stale entry found here is
// deleted, like on any other read.
func (c *SecureCache) Has(key string) bool {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if !entry.expiresAt.After(c.now()) {
		c.purge(key)
		return false
	}
	return true
}

// Del removes key and reports whether it was present.
func (c *SecureCache) Del(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	return ok
}

// Clear removes every entry.
func (c *SecureCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]secureEntry)
	c.mu.Unlock()
}

// Keys returns the keys of all live entries.
func (c *SecureCache) Keys() []string {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if e.expiresAt.After(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// TTL returns the remaining lifetime of key's entry.
func (c *SecureCache) TTL(key string) (time.Duration, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	remaining := entry.expiresAt.Sub(c.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Len returns the number of stored entries, expired or not.
func (c *SecureCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// HealthCheck round-trips a probe entry through serialization and crypto.
func (c *SecureCache) HealthCheck() error {
	const probeKey = "__pesakit_health_probe"
	probe := map[string]string{"probe": "ok"}

	if err := c.Set(probeKey, probe, time.Minute); err != nil {
		return err
	}
	var got map[string]string
	if !c.Get(probeKey, &got) || got["probe"] != "ok" {
		return newConfigError("cache probe round-trip failed", nil)
	}
	c.Del(probeKey)
	return nil
}

// Close stops the background sweeper. The cache remains usable; entries
// then expire only on read.
func (c *SecureCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *SecureCache) janitor() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.cfg.CheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *SecureCache) sweep() {
	now := c.now()

	c.mu.Lock()
	var evicted []string
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
			evicted = append(evicted, k)
		}
	}
	c.mu.Unlock()

	for _, k := range evicted {
		c.notifyEvict(k)
	}
}

func (c *SecureCache) purge(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.notifyEvict(key)
	}
}

func (c *SecureCache) notifyEvict(key string) {
	c.evictMu.Lock()
	listeners := make([]func(string), len(c.onEvict))
	copy(listeners, c.onEvict)
	c.evictMu.Unlock()

	for _, fn := range listeners {
		fn(key)
	}
}

func (c *SecureCache) encrypt(value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", newConfigError("cannot serialize cache value", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", newConfigError("cannot generate IV", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *SecureCache) decrypt(payload string, out any) error {
	ivHex, ctHex, ok := strings.Cut(payload, ":")
	if !ok {
		return fmt.Errorf("malformed cache record")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return fmt.Errorf("malformed IV")
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return fmt.Errorf("malformed ciphertext")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(plaintext, out)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
