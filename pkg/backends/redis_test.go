package backends_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
	"github.com/wayneeseguin/omnipipe/pkg/backends"
)

func redisBatch(n int) *buffer.Batch {
	b := buffer.NewBatch(map[string]string{"app": "api"}, n)
	for i := 0; i < n; i++ {
		b.Add(time.Unix(1700000000, int64(i)), []byte(fmt.Sprintf(`{"i":%d}`, i)), nil)
	}
	return b
}

func TestRedisTransport_JSONWithTrim(t *testing.T) {
	mr := miniredis.RunT(t)
	transport := backends.NewRedisTransport(backends.RedisConfig{
		Addr: mr.Addr(), Key: "logs", MaxLen: 3, Format: "json",
	})
	defer transport.Close()

	payload, err := transport.Encode(redisBatch(5))
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := mr.List("logs")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{`{"i":2}`, `{"i":3}`, `{"i":4}`}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("list = %v, want %v", got, want)
	}
}

func TestRedisTransport_Msgpack(t *testing.T) {
	mr := miniredis.RunT(t)
	transport := backends.NewRedisTransport(backends.RedisConfig{
		Addr: mr.Addr(), Key: "logs", Format: "msgpack",
	})
	defer transport.Close()

	payload, err := transport.Encode(redisBatch(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.Send(context.Background(), payload); err != nil {
		t.Fatal(err)
	}

	items, _ := mr.List("logs")
	if len(items) != 2 {
		t.Fatalf("list length = %d, want 2", len(items))
	}
	var entry backends.RedisEntry
	if err := msgpack.Unmarshal([]byte(items[1]), &entry); err != nil {
		t.Fatalf("decoding entry: %v", err)
	}
	if entry.Line != `{"i":1}` || entry.Labels["app"] != "api" || entry.Timestamp != 1700000000000000001 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestRedisSink_ThroughRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	d, err := backends.Parse("redis://" + mr.Addr() + "/0?key=app-logs&batch_size=2")
	if err != nil {
		t.Fatal(err)
	}
	sink, err := backends.Open(context.Background(), d, backends.Env{})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		_ = sink.Accept(context.Background(), lineRecord(i))
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, _ := mr.List("app-logs")
	if len(got) != 3 || got[0] != `{"i":0}` || got[2] != `{"i":2}` {
		t.Errorf("list = %v", got)
	}
}

func TestRedisTransport_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	transport := backends.NewRedisTransport(backends.RedisConfig{Addr: mr.Addr(), Key: "logs", Format: "json"})
	defer transport.Close()
	mr.Close()

	payload, _ := transport.Encode(redisBatch(1))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Send(ctx, payload); err == nil {
		t.Error("Send() to a stopped server should fail")
	}
}
