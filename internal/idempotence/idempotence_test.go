package idempotence_test

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/hookrelay/hookrelay/internal/idempotence"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func randomKey() string {
	b := make([]byte, 6)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func setupCountExec(ctx context.Context, sleep time.Duration, ex func() error) (exec func(context.Context) error, countexec func(count *int), cleanup func()) {
	execchan := make(chan struct{})
	exec = func(context.Context) error {
		time.Sleep(sleep)
		execchan <- struct{}{}
		return ex()
	}
	cleanup = func() { close(execchan) }
	countexec = func(count *int) {
		for {
			select {
			case <-execchan:
				*count++
			case <-ctx.Done():
				return
			}
		}
	}
	return exec, countexec, cleanup
}

func TestIdempotenceSuccessOnSeparateKeys(t *testing.T) {
	t.Parallel()
	i := idempotence.New(newTestClient(t), idempotence.WithTimeout(3*time.Second), idempotence.WithSuccessfulTTL(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	exec, countexec, cleanup := setupCountExec(ctx, 0, func() error { return nil })
	defer cleanup()

	go func() { i.Exec(ctx, "1", exec) }()
	go func() { i.Exec(ctx, "2", exec) }()

	count := 0
	go countexec(&count)
	<-ctx.Done()
	assert.Equal(t, 2, count, "should execute twice")
}

func TestIdempotenceSuccessWithinProcessingWindow(t *testing.T) {
	t.Parallel()
	i := idempotence.New(newTestClient(t), idempotence.WithTimeout(3*time.Second), idempotence.WithSuccessfulTTL(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, countexec, cleanup := setupCountExec(ctx, time.Second, func() error { return nil })
	defer cleanup()

	key := randomKey()
	errchan := make(chan error, 1)
	go func() { i.Exec(ctx, key, exec) }()
	go func() {
		time.Sleep(time.Second / 2)
		errchan <- i.Exec(ctx, key, exec)
	}()

	count := 0
	go countexec(&count)
	<-ctx.Done()
	err := <-errchan
	assert.Equal(t, idempotence.ErrConflict, err)
	assert.Equal(t, 1, count, "should execute once")
}

func TestIdempotenceSuccessAfterCompletion(t *testing.T) {
	t.Parallel()
	i := idempotence.New(newTestClient(t), idempotence.WithTimeout(3*time.Second), idempotence.WithSuccessfulTTL(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, countexec, cleanup := setupCountExec(ctx, time.Second, func() error { return nil })
	defer cleanup()

	key := randomKey()
	errchan := make(chan error, 1)
	go func() { i.Exec(ctx, key, exec) }()
	go func() {
		time.Sleep(2 * time.Second)
		errchan <- i.Exec(ctx, key, exec)
	}()

	count := 0
	go countexec(&count)
	<-ctx.Done()
	err := <-errchan
	assert.NoError(t, err, "second call after success should not error")
	assert.Equal(t, 1, count, "should execute once")
}

func TestIdempotenceFailureWithinProcessingWindow(t *testing.T) {
	t.Parallel()
	errExec := errors.New("exec error")
	i := idempotence.New(newTestClient(t), idempotence.WithTimeout(3*time.Second), idempotence.WithSuccessfulTTL(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, countexec, cleanup := setupCountExec(ctx, time.Second, func() error { return errExec })
	defer cleanup()

	key := randomKey()
	err1chan := make(chan error, 1)
	err2chan := make(chan error, 1)
	go func() { err1chan <- i.Exec(ctx, key, exec) }()
	go func() {
		time.Sleep(time.Second / 2)
		err2chan <- i.Exec(ctx, key, exec)
	}()

	count := 0
	go countexec(&count)
	<-ctx.Done()
	assert.Equal(t, errExec, <-err1chan)
	assert.Equal(t, idempotence.ErrConflict, <-err2chan)
	assert.Equal(t, 1, count, "should execute once")
}

func TestIdempotenceFailureAfterCompletion(t *testing.T) {
	t.Parallel()
	errExec := errors.New("exec error")
	i := idempotence.New(newTestClient(t), idempotence.WithTimeout(3*time.Second), idempotence.WithSuccessfulTTL(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, countexec, cleanup := setupCountExec(ctx, time.Second, func() error { return errExec })
	defer cleanup()

	key := randomKey()
	err1chan := make(chan error, 1)
	err2chan := make(chan error, 1)
	go func() { err1chan <- i.Exec(ctx, key, exec) }()
	go func() {
		time.Sleep(2 * time.Second)
		err2chan <- i.Exec(ctx, key, exec)
	}()

	count := 0
	go countexec(&count)
	<-ctx.Done()
	assert.Equal(t, errExec, <-err1chan)
	assert.Equal(t, errExec, <-err2chan)
	assert.Equal(t, 2, count, "should execute twice")
}
