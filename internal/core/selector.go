package core

import "slices"

// 选择原因
const (
	ReasonBatchAffinity        = "batch_affinity"
	ReasonPrevBatchAffinity    = "prev_batch_affinity"
	ReasonConversationAffinity = "conversation_affinity"
	ReasonBestPerforming       = "best_performing"
	ReasonRotated              = "rotated"
	ReasonCurrent              = "current"
	ReasonLeastUsed            = "least_used"
)

// SelectRequest 选择上下文
type SelectRequest struct {
	ConversationID string
	BatchNumber    int // 0 表示非分批请求
	IsRetry        bool
}

func (r SelectRequest) isBatch() bool {
	return r.ConversationID != "" && r.BatchNumber > 0
}

// Selection 选择结果
type Selection struct {
	Key    string
	Reason string
}

// Select resolves a credential: batch affinity, then previous batch (carried
// forward), then conversation affinity, then load-balanced selection. The
// chosen key is recorded for the conversation and batch before returning.
func (p *KeyPool) Select(req SelectRequest) (Selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return Selection{}, ErrNoCredential
	}

	if req.isBatch() {
		cur := batchKey{req.ConversationID, req.BatchNumber}
		if k, ok := p.batchAffinity[cur]; ok && slices.Contains(p.keys, k) {
			return Selection{Key: k, Reason: ReasonBatchAffinity}, nil
		}
		if req.BatchNumber > 1 {
			prev := batchKey{req.ConversationID, req.BatchNumber - 1}
			if k, ok := p.batchAffinity[prev]; ok && slices.Contains(p.keys, k) {
				p.batchAffinity[cur] = k
				return Selection{Key: k, Reason: ReasonPrevBatchAffinity}, nil
			}
		}
	}

	if req.ConversationID != "" {
		if k, ok := p.convAffinity[req.ConversationID]; ok && slices.Contains(p.keys, k) {
			if req.isBatch() {
				p.batchAffinity[batchKey{req.ConversationID, req.BatchNumber}] = k
			}
			return Selection{Key: k, Reason: ReasonConversationAffinity}, nil
		}
	}

	sel := p.balanceLocked(req)

	if req.ConversationID != "" {
		p.convAffinity[req.ConversationID] = sel.Key
	}
	if req.isBatch() {
		p.batchAffinity[batchKey{req.ConversationID, req.BatchNumber}] = sel.Key
	}
	return sel, nil
}

// balanceLocked picks a key without affinity. Caller holds mu.
func (p *KeyPool) balanceLocked(req SelectRequest) Selection {
	candidates := p.candidatesLocked()

	if req.IsRetry {
		return Selection{Key: p.usage.BestPerformingKey(candidates), Reason: ReasonBestPerforming}
	}

	cooldown := p.opts.PlainRotationCooldown
	if req.isBatch() && req.BatchNumber > 1 {
		cooldown = p.opts.BatchRotationCooldown
	}

	now := p.clock.Now()
	if len(p.keys) > 1 && now.Sub(p.lastRotation) >= cooldown {
		p.lastRotation = now
		for i := 0; i < len(p.keys); i++ {
			p.rrIndex = (p.rrIndex + 1) % len(p.keys)
			if k := p.keys[p.rrIndex]; slices.Contains(candidates, k) {
				return Selection{Key: k, Reason: ReasonRotated}
			}
		}
	}

	if k := p.keys[p.rrIndex%len(p.keys)]; slices.Contains(candidates, k) {
		return Selection{Key: k, Reason: ReasonCurrent}
	}
	return Selection{Key: p.usage.LeastUsedKey(candidates), Reason: ReasonLeastUsed}
}

// candidatesLocked is the pool minus the last truncated key, unless that
// would leave nothing.
func (p *KeyPool) candidatesLocked() []string {
	avoid := p.usage.LastTruncatedKey()
	if avoid == "" || len(p.keys) == 1 {
		return p.keys
	}
	out := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		if k != avoid {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return p.keys
	}
	return out
}
