package classify

import (
	"context"
	"sync"

	"github.com/haricheung/agentic-shell/internal/result"
)

const defaultMinimumAgreement = 0.6

// ensembleMethod runs every member method in parallel against a shared
// deadline (the caller's ctx) and requires minimumAgreement on type among
// the methods that succeeded, per §4.2. Dissenting results never flip the
// majority decision; they are recorded in metadata.
type ensembleMethod struct {
	members          []Method
	minimumAgreement float64
}

func newEnsembleMethod(members []Method, minimumAgreement float64) *ensembleMethod {
	if minimumAgreement <= 0 {
		minimumAgreement = defaultMinimumAgreement
	}
	return &ensembleMethod{members: members, minimumAgreement: minimumAgreement}
}

type ensembleVote struct {
	method Method
	result result.Result[ClassificationResult]
}

func (m *ensembleMethod) classify(ctx context.Context, input string, pctx ProcessingContext) result.Result[ClassificationResult] {
	if len(m.members) == 0 {
		return result.Err[ClassificationResult](result.New(result.CategoryValidation, "MethodUnavailable", "ensemble has no member methods configured"))
	}

	votes := make([]ensembleVote, len(m.members))
	var wg sync.WaitGroup
	for i, method := range m.members {
		wg.Add(1)
		go func(i int, method Method) {
			defer wg.Done()
			votes[i] = ensembleVote{method: method, result: method.classify(ctx, input, pctx)}
		}(i, method)
	}
	wg.Wait()

	byType := make(map[Type][]ensembleVote)
	succeeded := 0
	for _, v := range votes {
		if v.result.IsErr() {
			continue
		}
		succeeded++
		t := v.result.Value().Type
		byType[t] = append(byType[t], v)
	}

	if succeeded == 0 {
		return result.Err[ClassificationResult](result.New(result.CategoryBusiness, "AllMethodsFailed", "every ensemble member failed to classify"))
	}

	var majorityType Type
	var majorityVotes []ensembleVote
	for t, vs := range byType {
		if len(vs) > len(majorityVotes) {
			majorityType, majorityVotes = t, vs
		}
	}

	agreement := float64(len(majorityVotes)) / float64(succeeded)
	if agreement < m.minimumAgreement {
		return result.Err[ClassificationResult](result.New(result.CategoryBusiness, "AllMethodsFailed",
			"ensemble members did not reach the required agreement threshold on type"))
	}

	sum := 0.0
	for _, v := range majorityVotes {
		sum += v.result.Value().Confidence
	}
	meanConfidence := sum / float64(len(majorityVotes))

	dissenting := make([]map[string]any, 0)
	for t, vs := range byType {
		if t == majorityType {
			continue
		}
		for _, v := range vs {
			dissenting = append(dissenting, map[string]any{
				"method": v.result.Value().Method, "type": t, "confidence": v.result.Value().Confidence,
			})
		}
	}

	res := newResult(majorityType, meanConfidence, MethodEnsemble,
		"ensemble majority agreement across member classification methods")
	res.Metadata["agreement"] = agreement
	res.Metadata["dissenting"] = dissenting
	res.Metadata["votingMethods"] = len(m.members)
	return result.Ok(res)
}

func (m *ensembleMethod) isAvailable(ctx context.Context) bool {
	for _, mem := range m.members {
		if mem.isAvailable(ctx) {
			return true
		}
	}
	return false
}

func (m *ensembleMethod) getExpectedAccuracy() float64 {
	if len(m.members) == 0 {
		return 0
	}
	sum := 0.0
	for _, mem := range m.members {
		sum += mem.getExpectedAccuracy()
	}
	return sum / float64(len(m.members))
}

func (m *ensembleMethod) getAverageLatencyMs() float64 {
	max := 0.0
	for _, mem := range m.members {
		if l := mem.getAverageLatencyMs(); l > max {
			max = l
		}
	}
	return max
}

func (m *ensembleMethod) getMethodName() MethodName { return MethodEnsemble }
