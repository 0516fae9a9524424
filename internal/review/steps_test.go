package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/domain"
)

func snapshotWithAnswers(steps ...Step) Snapshot {
	s := Snapshot{Answers: map[Step]domain.Answer{}}
	for _, step := range steps {
		s.Answers[step] = domain.Answer{Choice: "yes"}
	}
	return s
}

func TestNextExpectedStepEmptySnapshot(t *testing.T) {
	s := snapshotWithAnswers()
	assert.Equal(t, StepRateTheQuality, NextExpectedStep(s))
}

func TestNextExpectedStepFollowsSequence(t *testing.T) {
	s := snapshotWithAnswers(StepRateTheQuality)
	assert.Equal(t, StepFairAndCarePrinciples, NextExpectedStep(s))

	s.Answers[StepFairAndCarePrinciples] = domain.Answer{Choice: "partly"}
	assert.Equal(t, StepHasEnoughMetadata, NextExpectedStep(s))
}

func TestNextExpectedStepSkipAheadNeverAdvances(t *testing.T) {
	// Answering a later step out of order leaves the expected step pinned at
	// the first gap.
	s := snapshotWithAnswers(StepRateTheQuality, StepIsErrorFree, StepMattersToAudience)
	assert.Equal(t, StepFairAndCarePrinciples, NextExpectedStep(s))
}

func TestNextExpectedStepOrderInsensitive(t *testing.T) {
	forward := snapshotWithAnswers()
	backward := snapshotWithAnswers()
	for _, q := range Questions {
		forward.Answers[q.Step] = domain.Answer{Choice: "unsure"}
	}
	for i := len(Questions) - 1; i >= 0; i-- {
		backward.Answers[Questions[i].Step] = domain.Answer{Choice: "unsure"}
	}
	assert.Equal(t, NextExpectedStep(forward), NextExpectedStep(backward))
	assert.Equal(t, StepChoosePersona, NextExpectedStep(forward))
}

func TestUnsureCountsAsAnswered(t *testing.T) {
	s := snapshotWithAnswers()
	s.Answers[StepRateTheQuality] = domain.Answer{Choice: "unsure"}
	assert.Equal(t, StepFairAndCarePrinciples, NextExpectedStep(s))
}

func TestNextExpectedStepTerminalSteps(t *testing.T) {
	s := snapshotWithAnswers()
	for _, q := range Questions {
		s.Answers[q.Step] = domain.Answer{Choice: "yes"}
	}
	assert.Equal(t, StepChoosePersona, NextExpectedStep(s))

	s.PersonaChosen = true
	assert.Equal(t, StepCompetingInterests, NextExpectedStep(s))

	s.CompetingInterests = &domain.CompetingInterests{Declared: false}
	assert.Equal(t, StepCodeOfConduct, NextExpectedStep(s))

	s.CodeOfConductAgreed = true
	assert.Equal(t, StepPublish, NextExpectedStep(s))
}

func TestValidateAnswerChoices(t *testing.T) {
	require.NoError(t, ValidateAnswer(StepRateTheQuality, domain.Answer{Choice: "excellent"}))
	require.NoError(t, ValidateAnswer(StepRateTheQuality, domain.Answer{Choice: "unsure"}))
	assert.Error(t, ValidateAnswer(StepRateTheQuality, domain.Answer{Choice: "amazing"}))
	assert.Error(t, ValidateAnswer(StepRateTheQuality, domain.Answer{}))
}

func TestValidateAnswerFreeTextStep(t *testing.T) {
	require.NoError(t, ValidateAnswer(StepIsMissingAnything, domain.Answer{Detail: "a codebook"}))
	require.NoError(t, ValidateAnswer(StepIsMissingAnything, domain.Answer{}))
	assert.Error(t, ValidateAnswer(StepIsMissingAnything, domain.Answer{Choice: "yes"}))
}

func TestValidateAnswerNonQuestionStep(t *testing.T) {
	assert.Error(t, ValidateAnswer(StepChoosePersona, domain.Answer{Choice: "public"}))
	assert.Error(t, ValidateAnswer(StepPublish, domain.Answer{}))
	assert.Error(t, ValidateAnswer(Step("made-up"), domain.Answer{Choice: "yes"}))
}

func TestSequenceEndsInPublish(t *testing.T) {
	require.NotEmpty(t, Sequence)
	assert.Equal(t, StepPublish, Sequence[len(Sequence)-1])
	for _, q := range Questions {
		assert.True(t, KnownStep(q.Step))
	}
	assert.False(t, KnownStep("not-a-step"))
}
