package swap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis keys making up the host interface. Every hash update is followed by
// a PUBLISH on the channel of the same name so the host can react without
// polling.
const (
	keySession     = "swap:session"
	keyBatteryFmt  = "swap:battery:%s"
	keyCost        = "swap:cost"
	keyQuotaSet    = "quota:services"
	keyQuotaFmt    = "quota:%s"
	channelCommand = "swap-station"
)

// publishSessionStatus mirrors the live session into the swap:session hash
func (s *Service) publishSessionStatus(st SessionStatus) {
	status := map[string]interface{}{
		"target":                   st.Target,
		"phase":                    st.Phase,
		"retry-count":              fmt.Sprintf("%d", st.RetryCount),
		"progress":                 fmt.Sprintf("%d", st.Progress),
		"failure-reason":           st.FailureReason,
		"bluetooth-reset-required": fmt.Sprintf("%t", st.RadioResetRequired),
	}
	if !st.StartedAt.IsZero() {
		status["started-at"] = st.StartedAt.Format("2006-01-02T15:04:05Z07:00")
	}

	pipe := s.redis.Pipeline()
	pipe.HSet(s.ctx, keySession, status)
	pipe.Publish(s.ctx, keySession, st.Phase)
	if _, err := pipe.Exec(s.ctx); err != nil {
		s.logger.Warn("failed to publish session status", "error", err)
	}
}

// publishStepFailure surfaces a terminal step failure with its remediation
func (s *Service) publishStepFailure(slot Slot, f *Failure) {
	status := map[string]interface{}{
		"failure-slot":             string(slot),
		"failure-kind":             f.Kind.String(),
		"failure-reason":           f.Reason,
		"failure-remediation":      f.Remediation,
		"failure-forced":           fmt.Sprintf("%t", f.Forced),
		"bluetooth-reset-required": fmt.Sprintf("%t", f.RadioResetRequired),
	}

	pipe := s.redis.Pipeline()
	pipe.HSet(s.ctx, keySession, status)
	pipe.Publish(s.ctx, keySession, "failure "+f.Kind.String())
	if _, err := pipe.Exec(s.ctx); err != nil {
		s.logger.Warn("failed to publish step failure", "error", err)
	}
}

// publishReading mirrors an accepted battery reading into its slot hash
func (s *Service) publishReading(slot Slot, r BatteryReading) {
	key := fmt.Sprintf(keyBatteryFmt, slot)
	fields := map[string]interface{}{
		"identity":       r.IdentityID,
		"short-id":       r.ShortID,
		"charge":         fmt.Sprintf("%d", r.ChargeLevelPercent),
		"energy-wh":      fmt.Sprintf("%d", r.EnergyWattHours),
		"source-address": r.SourceAddress,
	}

	pipe := s.redis.Pipeline()
	pipe.HSet(s.ctx, key, fields)
	pipe.Publish(s.ctx, key, "updated")
	if _, err := pipe.Exec(s.ctx); err != nil {
		s.logger.Warn("failed to publish reading", "slot", slot, "error", err)
	}
}

// publishCost mirrors the cost breakdown and the payment decision
func (s *Service) publishCost(cost SwapCostResult, decision QuotaDecision) {
	fields := map[string]interface{}{
		"energy-diff-kwh":       fmt.Sprintf("%.3f", cost.EnergyDiffKwh),
		"quota-deduction-kwh":   fmt.Sprintf("%.3f", cost.QuotaDeductionKwh),
		"chargeable-kwh":        fmt.Sprintf("%.3f", cost.ChargeableEnergyKwh),
		"gross-energy-cost":     fmt.Sprintf("%.0f", cost.GrossEnergyCost),
		"quota-credit-value":    fmt.Sprintf("%.0f", cost.QuotaCreditValue),
		"net-cost":              fmt.Sprintf("%.2f", cost.NetCost),
		"collectible-amount":    fmt.Sprintf("%.0f", cost.CollectibleAmount()),
		"can-skip-payment":      fmt.Sprintf("%t", decision.CanSkipPayment),
		"electricity-ok":        fmt.Sprintf("%t", decision.ElectricityOK),
		"swap-count-ok":         fmt.Sprintf("%t", decision.SwapCountOK),
		"zero-cost-by-rounding": fmt.Sprintf("%t", decision.ZeroCostByRounding),
	}

	pipe := s.redis.Pipeline()
	pipe.HSet(s.ctx, keyCost, fields)
	pipe.Publish(s.ctx, keyCost, "updated")
	if _, err := pipe.Exec(s.ctx); err != nil {
		s.logger.Warn("failed to publish cost", "error", err)
	}
}

// clearSwapState wipes the host-visible swap hashes
func (s *Service) clearSwapState() {
	pipe := s.redis.Pipeline()
	pipe.Del(s.ctx, keySession, keyCost,
		fmt.Sprintf(keyBatteryFmt, SlotOld),
		fmt.Sprintf(keyBatteryFmt, SlotNew))
	pipe.HSet(s.ctx, keySession, "phase", "idle", "progress", "0")
	pipe.Publish(s.ctx, keySession, "idle")
	if _, err := pipe.Exec(s.ctx); err != nil {
		s.logger.Warn("failed to clear swap state", "error", err)
	}
}

// fetchQuotaSnapshots reads the host-maintained quota hashes. Anything
// missing or unparseable is omitted; the policy evaluator fails closed on an
// absent snapshot.
func (s *Service) fetchQuotaSnapshots() []QuotaSnapshot {
	serviceIDs, err := s.redis.SMembers(s.ctx, keyQuotaSet).Result()
	if err != nil && err != redis.Nil {
		s.logger.Warn("failed to list quota services", "error", err)
		return nil
	}

	var snapshots []QuotaSnapshot
	for _, id := range serviceIDs {
		fields, err := s.redis.HGetAll(s.ctx, fmt.Sprintf(keyQuotaFmt, id)).Result()
		if err != nil || len(fields) == 0 {
			s.logger.Warn("missing quota snapshot", "service", id, "error", err)
			continue
		}
		quota, err1 := strconv.ParseFloat(fields["quota"], 64)
		used, err2 := strconv.ParseFloat(fields["used"], 64)
		if err1 != nil || err2 != nil {
			s.logger.Warn("unparseable quota snapshot", "service", id)
			continue
		}
		snapshots = append(snapshots, QuotaSnapshot{
			ServiceID: id,
			Quota:     quota,
			Used:      used,
		})
	}
	return snapshots
}

// handleRedisSubscription processes host commands published on the
// swap-station channel:
//
//	scan <old|new> <payload> [expected-identity]
//	cancel
//	force-cancel
//	reset
func (s *Service) handleRedisSubscription() {
	pubsub := s.redis.Subscribe(s.ctx, channelCommand)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleCommand(msg.Payload)
		}
	}
}

func (s *Service) handleCommand(payload string) {
	parts := strings.SplitN(strings.TrimSpace(payload), " ", 4)
	switch parts[0] {
	case "scan":
		if len(parts) < 3 {
			s.logger.Warn("malformed scan command", "payload", payload)
			return
		}
		slot := Slot(parts[1])
		if slot != SlotOld && slot != SlotNew {
			s.logger.Warn("unknown slot in scan command", "slot", parts[1])
			return
		}
		expected := ""
		if len(parts) == 4 {
			expected = parts[3]
		}
		if err := s.StartBatteryStep(slot, parts[2], expected); err != nil {
			s.logger.Error("scan command rejected", "slot", slot, "error", err)
		}
	case "cancel":
		if err := s.CancelSession(false); err != nil {
			s.logger.Warn("cancel rejected", "error", err)
		}
	case "force-cancel":
		if err := s.CancelSession(true); err != nil {
			s.logger.Warn("force-cancel rejected", "error", err)
		}
	case "reset":
		s.Reset()
	default:
		s.logger.Warn("unknown command", "payload", payload)
	}
}
