package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"snipbin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

const (
	maxPasswordBytes = 1024
	defaultMinVerify = 350 * time.Millisecond
	saltLen          = 16
	keyLen           = 32
)

var ErrHasherStopped = errors.New("hasher is shutting down")

// Hasher produces argon2id hashes of HMAC-peppered, NFC-normalized
// passwords on a bounded worker pool.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	pepper      []byte
	minVerify   time.Duration
	mu          sync.RWMutex
	jobs        chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}

type hashJob struct {
	password string
	resp     chan hashResult
}

type hashResult struct {
	hash string
	err  error
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		pepper:      append([]byte(nil), pepper...),
		minVerify:   defaultMinVerify,
		jobs:        make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

// SetMinVerifyTime changes the floor Verify pads every call up to.
func (h *Hasher) SetMinVerifyTime(d time.Duration) {
	h.mu.Lock()
	h.minVerify = d
	h.mu.Unlock()
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			hash, err := h.doHash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash queues password for hashing and waits for the result or ctx.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", errors.New("hasher not started")
	}
	if len(password) > maxPasswordBytes {
		return "", errors.New("password too long")
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "hash")
	}
	select {
	case <-h.quit:
		return "", ErrHasherStopped
	default:
	}
	resp := make(chan hashResult, 1)
	select {
	case h.jobs <- hashJob{password: password, resp: resp}:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash queue")
	case <-h.quit:
		return "", ErrHasherStopped
	}
	select {
	case res := <-resp:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	case <-h.quit:
		return "", ErrHasherStopped
	}
}

func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// Verify reports whether pwd matches encoded. Every call takes at least
// the configured minimum time, whatever the outcome.
func (h *Hasher) Verify(pwd, encoded string) (bool, error) {
	start := time.Now()
	h.mu.RLock()
	floor := h.minVerify
	h.mu.RUnlock()
	defer func() {
		if d := floor - time.Since(start); d > 0 {
			time.Sleep(d)
		}
	}()
	if len(pwd) > maxPasswordBytes {
		h.verifyInternal(strings.Repeat("x", 8), "")
		return false, nil
	}
	return h.verifyInternal(pwd, encoded)
}

type params struct {
	mem     uint32
	time    uint32
	threads uint8
	salt    []byte
	hash    []byte
}

func (h *Hasher) decode(encoded string) (params, bool) {
	p := params{mem: h.memory, time: h.iterations, threads: h.parallelism}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, false
	}
	var mem, t uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &threads); err != nil {
		return p, false
	}
	if mem == 0 || mem > 2*1024*1024 || t == 0 || t > 1000 || threads == 0 || threads > 128 {
		return p, false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, false
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 || len(sum) > 256 {
		return p, false
	}
	return params{mem: mem, time: t, threads: threads, salt: salt, hash: sum}, true
}

func (h *Hasher) verifyInternal(pwd, encoded string) (bool, error) {
	p, valid := h.decode(encoded)
	if !valid {
		p.salt = make([]byte, saltLen)
		p.hash = make([]byte, keyLen)
	}
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false, ErrHasherStopped
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, p.salt, p.time, p.mem, p.threads, uint32(len(p.hash)))
	defer util.Wipe(other)
	match := subtle.ConstantTimeCompare(p.hash, other) == 1
	return valid && match, nil
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(norm.NFC.String(password)))
	return mac.Sum(nil)
}
