// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sigchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFIFOWithinSingleProducer(t *testing.T) {
	inbox, outbox := New(8)
	for i := 0; i < 5; i++ {
		require.NoError(t, outbox.Send(Msg{Kind: KindBuffer, Seq: uint64(i)}))
	}
	msgs := inbox.Drain()
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.Equal(t, uint64(i), m.Seq)
	}
}

func TestDrainEmptyReturnsNil(t *testing.T) {
	inbox, _ := New(8)
	require.Nil(t, inbox.Drain())
}

func TestSendAfterCloseErrors(t *testing.T) {
	inbox, outbox := New(8)
	inbox.Close()
	err := outbox.Send(Msg{Kind: KindBuffer})
	require.Error(t, err)
}

func TestMultiProducerAllMessagesDelivered(t *testing.T) {
	inbox, outbox := New(8)
	const producers = 4
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			ob := outbox.Clone()
			for i := 0; i < perProducer; i++ {
				_ = ob.Send(Msg{Kind: KindBuffer, From: "p", Seq: uint64(i)})
			}
		}(p)
	}
	wg.Wait()

	total := 0
	for {
		msgs := inbox.Drain()
		if msgs == nil {
			break
		}
		total += len(msgs)
	}
	require.Equal(t, producers*perProducer, total)
}

func TestWakeChanSignalsOnSend(t *testing.T) {
	inbox, outbox := New(8)
	require.NoError(t, outbox.Send(Msg{Kind: KindCompletionNotify}))
	select {
	case <-inbox.WakeChan():
	default:
		t.Fatal("expected wake signal after send")
	}
}
