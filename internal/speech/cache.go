package speech

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/satindergrewal/airwaves/internal/audio"
)

// Cache wraps a Synthesizer with an on-disk clip store. Idents and intros
// repeat every cycle, so most of their synthesis is served from here.
type Cache struct {
	next   Synthesizer
	db     *badger.DB
	speed  float64
	logger zerolog.Logger
}

type cachedClip struct {
	Rate     int    `msgpack:"rate"`
	Channels int    `msgpack:"channels"`
	PCM      []byte `msgpack:"pcm"`
}

// CacheOptions configures the clip store. Dir is ignored when InMemory is set.
type CacheOptions struct {
	Dir      string
	InMemory bool
	Speed    float64 // part of the key; different speeds are different clips
}

// NewCache opens the store and wraps next.
func NewCache(next Synthesizer, opts CacheOptions, logger zerolog.Logger) (*Cache, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("speech cache: dir is required")
	}
	logger = logger.With().Str("component", "tts-cache").Logger()

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open speech cache: %w", err)
	}
	return &Cache{next: next, db: db, speed: opts.Speed, logger: logger}, nil
}

// CacheKey is md5("text:voice:speed"), first 16 hex chars.
func CacheKey(text, voice string, speed float64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%g", text, voice, speed)))
	return hex.EncodeToString(sum[:])[:16]
}

func (c *Cache) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	key := []byte(CacheKey(text, voice, c.speed))

	if clip, ok := c.get(key); ok {
		c.logger.Debug().Str("key", string(key)).Msg("cache hit")
		return clip, nil
	}

	clip, err := c.next.Synthesize(ctx, text, voice)
	if err != nil {
		return audio.Clip{}, err
	}
	if err := c.put(key, clip); err != nil {
		c.logger.Warn().Err(err).Msg("cache write failed")
	}
	return clip, nil
}

func (c *Cache) get(key []byte) (audio.Clip, bool) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn().Err(err).Msg("cache read failed")
		}
		return audio.Clip{}, false
	}

	var cc cachedClip
	if err := msgpack.Unmarshal(val, &cc); err != nil {
		c.logger.Warn().Err(err).Msg("corrupt cache entry")
		return audio.Clip{}, false
	}
	return audio.Clip{Rate: cc.Rate, Channels: cc.Channels, Samples: audio.BytesToSamples(cc.PCM)}, true
}

func (c *Cache) put(key []byte, clip audio.Clip) error {
	val, err := msgpack.Marshal(cachedClip{
		Rate:     clip.Rate,
		Channels: clip.Channels,
		PCM:      audio.SamplesToBytes(clip.Samples),
	})
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Close releases the store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// badgerLogger routes badger's internal logging to zerolog.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, v ...any)   { b.l.Error().Msgf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...any) { b.l.Warn().Msgf(f, v...) }
func (b badgerLogger) Infof(f string, v ...any)    { b.l.Debug().Msgf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...any)   { b.l.Trace().Msgf(f, v...) }
