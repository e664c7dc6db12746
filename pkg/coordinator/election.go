package coordinator

import (
    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// StartElection compares this device's score with every score it knows. The
// winner stays (or returns to) Active and asserts its claim; a loser steps
// down to Inactive and leaves the winner to be found by each device's own
// arg-max. There is no hand-off message.
func (c *Coordinator) StartElection(now uint32) {
    c.resolve(now, 0, 0, false)
}

// HandleElection reacts to a competing claim carrying a different score or
// candidate.
func (c *Coordinator) HandleElection(now, src uint32, e protocol.Election) {
    if src == c.self { return }
    own := c.ownScore()
    cand := e.Candidate
    if cand == 0 { cand = src }
    if cand == c.self && e.Score == own { return }
    c.resolve(now, cand, e.Score, true)
}

func (c *Coordinator) ownScore() float32 {
    return protocol.ComputeCoordinatorScore(c.probe.Snapshot())
}

func (c *Coordinator) resolve(now, rival uint32, rivalScore float32, hasRival bool) {
    c.setState(StateElection)
    own := c.ownScore()
    winner, best := c.self, own
    for _, n := range c.disc.Nodes() {
        if !n.IsActive || n.ID == c.self { continue }
        if protocol.Outranks(n.CoordinatorScore, n.ID, best, winner) {
            winner, best = n.ID, n.CoordinatorScore
        }
    }
    if hasRival && protocol.Outranks(rivalScore, rival, best, winner) {
        winner, best = rival, rivalScore
    }

    c.ev.Emit(observability.Event{Kind: observability.EventElection, NodeID: winner, Reason: "score " + ftoa(best)})
    if winner == c.self {
        c.out.Send(protocol.Broadcast, protocol.Election{Score: own, Candidate: c.self})
        c.setState(StateActive)
        return
    }
    c.log.Info("stepping down", zap.Uint32("winner", winner), zap.Float32("own", own), zap.Float32("winner_score", best))
    c.setState(StateInactive)
}
