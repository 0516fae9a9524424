package review

import (
	"fmt"

	"reviewline/internal/domain"
)

// Step identifies one stage of the authoring sequence.
type Step string

const (
	StepRateTheQuality           Step = "rate-the-quality"
	StepFairAndCarePrinciples    Step = "fair-and-care-principles"
	StepHasEnoughMetadata        Step = "has-enough-metadata"
	StepHasTrackedChanges        Step = "has-tracked-changes"
	StepHasDataCensoredOrDeleted Step = "has-data-censored-or-deleted"
	StepIsAppropriateForResearch Step = "is-appropriate-for-research"
	StepSupportsConclusions      Step = "supports-conclusions"
	StepIsDetailedEnough         Step = "is-detailed-enough"
	StepIsErrorFree              Step = "is-error-free"
	StepMattersToAudience        Step = "matters-to-audience"
	StepIsReadyToBeShared        Step = "is-ready-to-be-shared"
	StepIsMissingAnything        Step = "is-missing-anything"
	StepChoosePersona            Step = "choose-persona"
	StepCompetingInterests       Step = "competing-interests"
	StepCodeOfConduct            Step = "code-of-conduct"
	StepPublish                  Step = "publish"
)

var yesPartlyNoUnsure = []string{"yes", "partly", "no", "unsure"}

// Question describes one structured question step. An empty Choices slice
// means the step takes free text only.
type Question struct {
	Step    Step
	Choices []string
}

// Questions is the fixed, ordered question portion of the sequence. The
// terminal persona, competing-interests, code-of-conduct and publish steps
// follow it; see Sequence.
var Questions = []Question{
	{Step: StepRateTheQuality, Choices: []string{"excellent", "fair", "poor", "unsure"}},
	{Step: StepFairAndCarePrinciples, Choices: yesPartlyNoUnsure},
	{Step: StepHasEnoughMetadata, Choices: yesPartlyNoUnsure},
	{Step: StepHasTrackedChanges, Choices: yesPartlyNoUnsure},
	{Step: StepHasDataCensoredOrDeleted, Choices: yesPartlyNoUnsure},
	{Step: StepIsAppropriateForResearch, Choices: yesPartlyNoUnsure},
	{Step: StepSupportsConclusions, Choices: yesPartlyNoUnsure},
	{Step: StepIsDetailedEnough, Choices: yesPartlyNoUnsure},
	{Step: StepIsErrorFree, Choices: yesPartlyNoUnsure},
	{Step: StepMattersToAudience, Choices: []string{"very-consequential", "somewhat-consequential", "not-consequential", "unsure"}},
	{Step: StepIsReadyToBeShared, Choices: []string{"yes", "no", "unsure"}},
	{Step: StepIsMissingAnything},
}

// Sequence is the full authoring order, ending in the publish step.
var Sequence = func() []Step {
	steps := make([]Step, 0, len(Questions)+4)
	for _, q := range Questions {
		steps = append(steps, q.Step)
	}
	return append(steps, StepChoosePersona, StepCompetingInterests, StepCodeOfConduct, StepPublish)
}()

// QuestionFor returns the question descriptor for a step, or false for the
// terminal non-question steps.
func QuestionFor(step Step) (Question, bool) {
	for _, q := range Questions {
		if q.Step == step {
			return q, true
		}
	}
	return Question{}, false
}

// KnownStep reports whether step names any stage of the sequence.
func KnownStep(step Step) bool {
	for _, s := range Sequence {
		if s == step {
			return true
		}
	}
	return false
}

// ValidateAnswer checks an answer payload against the legal shape of its step.
// Detail text is always optional and never blocks progression.
func ValidateAnswer(step Step, a domain.Answer) error {
	q, ok := QuestionFor(step)
	if !ok {
		return fmt.Errorf("step %s does not take an answer", step)
	}
	if len(q.Choices) == 0 {
		if a.Choice != "" {
			return fmt.Errorf("step %s takes free text only", step)
		}
		return nil
	}
	for _, c := range q.Choices {
		if a.Choice == c {
			return nil
		}
	}
	if a.Choice == "" {
		return fmt.Errorf("step %s requires an answer", step)
	}
	return fmt.Errorf("step %s does not accept answer %q", step, a.Choice)
}

// NextExpectedStep scans the sequence in fixed order and returns the first
// step whose required answer is absent. An "unsure" answer counts as answered.
// Answers recorded out of order never advance the expected step. If every
// step is complete the publish step is returned. Total over any snapshot.
func NextExpectedStep(s Snapshot) Step {
	for _, q := range Questions {
		if _, ok := s.Answers[q.Step]; !ok {
			return q.Step
		}
	}
	if !s.PersonaChosen {
		return StepChoosePersona
	}
	if s.CompetingInterests == nil {
		return StepCompetingInterests
	}
	if !s.CodeOfConductAgreed {
		return StepCodeOfConduct
	}
	return StepPublish
}
