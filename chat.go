package huddlesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Chat Outbox Drain
// ============================================================================

// drainConversation replays one conversation's queued sends oldest-first.
// The first failure that is not a dead-letter halts the conversation, so a
// three-message burst typed offline always lands in typing order; other
// conversations keep draining.
func (s *Syncer) drainConversation(ctx context.Context, gate *authGate, conversationID string, lane []QueuedMessage) laneResult {
	var res laneResult
	log := s.logger.With("conversation", conversationID)

	for _, m := range lane {
		if err := ctx.Err(); err != nil {
			res.err = err
			return res
		}

		rec, err := s.sendQueuedMessage(ctx, m)
		if err != nil {
			err = s.retryAuth(ctx, gate, err, func() (RemoteRecord, error) {
				var rerr error
				rec, rerr = s.sendQueuedMessage(ctx, m)
				return rec, rerr
			})
		}
		if err == nil {
			s.confirmMessage(ctx, m, rec)
			res.processed++
			continue
		}

		rerr := classifyErr("send message", err)
		if rerr.Class == ClassPermanent {
			if dlErr := s.deadLetterMessage(ctx, m, rerr); dlErr != nil {
				log.Error("dead-letter failed", "seq", m.Seq, "error", dlErr)
				res.errors++
				res.err = dlErr
				return res
			}
			log.Warn("message dead-lettered", "seq", m.Seq, "status", rerr.StatusCode)
			res.deadLettered++
			continue
		}

		retries, bErr := s.store.BumpMessageRetry(ctx, m.Seq)
		if bErr != nil {
			log.Warn("bump retry failed", "seq", m.Seq, "error", bErr)
		} else if retries >= s.retryBudget {
			if dlErr := s.deadLetterMessage(ctx, m, rerr); dlErr == nil {
				log.Warn("retry budget exhausted, message dead-lettered", "seq", m.Seq, "retries", retries)
				res.deadLettered++
				continue
			}
		}
		log.Warn("conversation halted", "seq", m.Seq, "error", rerr)
		res.errors++
		res.err = rerr
		return res
	}
	return res
}

func (s *Syncer) sendQueuedMessage(ctx context.Context, m QueuedMessage) (RemoteRecord, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return RemoteRecord{}, err
	}
	payload, err := json.Marshal(messagePayload{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ClientID:       m.ClientID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	})
	if err != nil {
		return RemoteRecord{}, &RemoteError{Class: ClassPermanent, Op: "send message", Err: err}
	}
	return s.remote.Insert(ctx, StoreMessages, m.IdempotencyKey, payload)
}

// confirmMessage swaps the optimistic message for the server copy: dequeue,
// retire the ClientID-keyed cache record, store the canonical one, then
// notify recipients.
func (s *Syncer) confirmMessage(ctx context.Context, m QueuedMessage, rec RemoteRecord) {
	if err := s.store.DequeueMessage(ctx, m.Seq); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("dequeue message after confirm failed", "seq", m.Seq, "error", err)
	}

	if rec.ID != "" && rec.ID != m.ClientID {
		if err := s.store.DeleteRecord(ctx, StoreMessages, m.ClientID); err != nil {
			s.logger.Warn("drop optimistic message failed", "id", m.ClientID, "error", err)
		}
	}
	cached, err := cachedMessageRecord(m, rec)
	if err != nil {
		s.logger.Warn("build confirmed message failed", "seq", m.Seq, "error", err)
	} else if err := s.store.PutRecord(ctx, cached); err != nil {
		s.logger.Warn("cache confirmed message failed", "id", cached.ID, "error", err)
	}

	if s.confirmedMessage != nil {
		s.confirmedMessage(m, rec)
	}
	if s.notifier != nil {
		n := Notification{
			EntityID:       cached.ID,
			ConversationID: m.ConversationID,
			ActorID:        m.SenderID,
			Content:        m.Content,
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("notify failed", "entity", cached.ID, "error", err)
		}
	}
}

func (s *Syncer) deadLetterMessage(ctx context.Context, m QueuedMessage, rerr *RemoteError) error {
	payload, err := json.Marshal(messagePayload{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ClientID:       m.ClientID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode dead letter payload: %w", err)
	}
	return s.store.MoveToDeadLetter(ctx, DeadLetter{
		Seq:        m.Seq,
		Source:     DeadLetterChat,
		Store:      StoreMessages,
		Op:         OpCreate,
		RecordID:   m.ClientID,
		Payload:    payload,
		Reason:     rerr.Error(),
		StatusCode: rerr.StatusCode,
		CreatedAt:  m.CreatedAt,
		FailedAt:   time.Now().UTC(),
	})
}

// ----------------------------------------------------------------------------
// Message record helpers
// ----------------------------------------------------------------------------

// cachedMessageRecord builds the CachedRecord for a confirmed send. The
// payload prefers the server copy and falls back to the queued fields.
func cachedMessageRecord(m QueuedMessage, rec RemoteRecord) (CachedRecord, error) {
	id := rec.ID
	if id == "" {
		id = m.ClientID
	}
	payload := rec.Data
	if len(payload) == 0 {
		var err error
		payload, err = json.Marshal(messagePayload{
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			ClientID:       m.ClientID,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		})
		if err != nil {
			return CachedRecord{}, err
		}
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return CachedRecord{
		Store:     StoreMessages,
		ID:        id,
		Payload:   payload,
		Version:   rec.Version,
		Origin:    OriginServer,
		UpdatedAt: updatedAt,
	}, nil
}

// messageFromRecord decodes a cached messages-store record into the
// UI-facing Message shape.
func messageFromRecord(rec CachedRecord) (Message, error) {
	var p messagePayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", rec.ID, err)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = rec.UpdatedAt
	}
	return Message{
		ID:             rec.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Pending:        rec.Origin == OriginLocal,
		CreatedAt:      created,
	}, nil
}

// queuedMessageFromDeadLetter rebuilds a chat send from its parked form so
// a manual retry can enqueue it again.
func queuedMessageFromDeadLetter(d DeadLetter) (QueuedMessage, error) {
	var p messagePayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return QueuedMessage{}, fmt.Errorf("decode dead letter %s/%d: %w", d.Source, d.Seq, err)
	}
	return QueuedMessage{
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ClientID:       p.ClientID,
		Content:        p.Content,
		IdempotencyKey: newIdempotencyKey(),
		CreatedAt:      p.CreatedAt,
	}, nil
}
