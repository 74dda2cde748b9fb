package backends_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	omnitesting "github.com/wayneeseguin/omnipipe/internal/testing"
	"github.com/wayneeseguin/omnipipe/pkg/backends"
)

func TestNATSSink_Integration(t *testing.T) {
	omnitesting.SkipIfUnit(t, "Skipping NATS integration test in unit mode")

	url := omnitesting.NATSURL()
	sub, err := nats.Connect(url)
	if err != nil {
		t.Skipf("NATS server not available at %s: %v", url, err)
	}
	defer sub.Close()

	received := make(chan *nats.Msg, 8)
	if _, err := sub.ChanSubscribe("omnipipe.test", received); err != nil {
		t.Fatal(err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	d, err := backends.Parse(url + "/omnipipe.test?batch_size=2")
	if err != nil {
		t.Fatal(err)
	}
	sink, err := backends.Open(context.Background(), d, backends.Env{})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close(context.Background())

	_ = sink.Accept(context.Background(), lineRecord(0))
	_ = sink.Accept(context.Background(), lineRecord(1))

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			if want := string(lineRecord(i).JSON[:len(lineRecord(i).JSON)-1]); string(msg.Data) != want {
				t.Errorf("message %d = %s, want %s", i, msg.Data, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}
