package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/weather-insight-service/internal/models"
)

const (
	roleInstruction = "You are a meteorology specialist answering questions about current weather conditions."
	noDataContext   = "No weather data is available at the moment."
	answerGuidance  = "Answer clearly and concisely using the data above. If the data is insufficient to answer, tell the user."
	apologyPrefix   = "Sorry, an error occurred while processing your question: "
)

// BuildContext describes the most recent record of snapshot. Only the last
// record is used; earlier ones do not appear in the prompt.
func BuildContext(snapshot []models.Observation) string {
	if len(snapshot) == 0 {
		return noDataContext
	}
	latest := snapshot[len(snapshot)-1]
	var b strings.Builder
	b.WriteString("Current weather data:\n")
	fmt.Fprintf(&b, "City: %s\n", latest.City)
	fmt.Fprintf(&b, "Temperature: %.1f°C\n", latest.TemperatureCelsius)
	fmt.Fprintf(&b, "Humidity: %d%%\n", latest.HumidityPercent)
	fmt.Fprintf(&b, "Wind speed: %.1f m/s\n", latest.WindSpeedMS)
	fmt.Fprintf(&b, "Condition: %s\n", latest.ConditionDescription)
	fmt.Fprintf(&b, "Updated at: %s", latest.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

// BuildPrompt composes the fixed prompt template around context and question.
func BuildPrompt(context, question string) string {
	return roleInstruction + "\n\n" + context + "\n\nQuestion: " + question + "\n\n" + answerGuidance
}

// Apology is the answer returned when the completion backend fails.
func Apology(reason string) string {
	return apologyPrefix + reason
}
