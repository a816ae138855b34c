package live_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/live"
)

func TestQueue_FIFO(t *testing.T) {
	q := live.NewQueue()
	for i := uint64(1); i <= 5; i++ {
		if err := q.Push(live.Segment{Seq: i}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("Len = %d, want 5", q.Len())
	}
	for want := uint64(1); want <= 5; want++ {
		seg, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if seg.Seq != want {
			t.Errorf("seq = %d, want %d", seg.Seq, want)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := live.NewQueue()
	got := make(chan uint64, 1)
	go func() {
		seg, err := q.Pop(context.Background())
		if err != nil {
			t.Errorf("Pop: %v", err)
		}
		got <- seg.Seq
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	_ = q.Push(live.Segment{Seq: 9})
	select {
	case seq := <-got:
		if seq != 9 {
			t.Errorf("seq = %d, want 9", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := live.NewQueue()
	_ = q.Push(live.Segment{Seq: 1})
	_ = q.Push(live.Segment{Seq: 2})
	q.Close()
	q.Close()

	if err := q.Push(live.Segment{Seq: 3}); !errors.Is(err, live.ErrQueueClosed) {
		t.Errorf("Push after Close err = %v, want ErrQueueClosed", err)
	}
	for want := uint64(1); want <= 2; want++ {
		seg, err := q.Pop(context.Background())
		if err != nil || seg.Seq != want {
			t.Fatalf("Pop = (%d, %v), want (%d, nil)", seg.Seq, err, want)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, live.ErrQueueClosed) {
		t.Errorf("Pop on drained queue err = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_CloseWakesWaiter(t *testing.T) {
	q := live.NewQueue()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, live.ErrQueueClosed) {
			t.Errorf("err = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake Pop")
	}
}

func TestQueue_PopCancelled(t *testing.T) {
	q := live.NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_Drain(t *testing.T) {
	q := live.NewQueue()
	_ = q.Push(live.Segment{Seq: 1})
	_ = q.Push(live.Segment{Seq: 2})

	rest := q.Drain()
	if len(rest) != 2 || rest[0].Seq != 1 || rest[1].Seq != 2 {
		t.Errorf("Drain = %+v", rest)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Drain = %d", q.Len())
	}
}
