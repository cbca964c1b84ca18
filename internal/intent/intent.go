// Package intent routes a user message to an execution path.
//
// Classification is a keyword heuristic: the message is lower-cased and
// matched by substring against an ordered keyword list. The first keyword in
// list order that appears anywhere in the message wins, regardless of where
// in the message it appears. There is no confidence score; a message that
// matches nothing is a general question.
package intent

import "strings"

// Intent is the execution path selected for a message.
type Intent string

const (
	// Calendar routes to the tool-calling agent that manages events and tasks.
	Calendar Intent = "calendar"
	// QA routes to the plain question-answering stream.
	QA Intent = "qa"
)

// Classifier picks an Intent for a message. A learned model can replace the
// keyword heuristic by implementing this interface.
type Classifier interface {
	Classify(message string) Intent
}

// KeywordClassifier is the default Classifier.
type KeywordClassifier struct{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(message string) Intent {
	return Classify(message)
}

// keywords is ordered; earlier entries take precedence.
var keywords = []string{
	// action verbs
	"schedule",
	"reschedule",
	"book",
	"cancel",
	"postpone",
	"remind me",
	"set up a",
	"block off",
	"move my",
	"add to my",
	"create an event",
	"create a task",
	"add a task",
	"mark as done",
	"complete task",
	"delete",

	// calendar nouns
	"calendar",
	"event",
	"meeting",
	"appointment",
	"agenda",
	"task",
	"to-do",
	"todo",
	"reminder",
	"deadline",
	"availability",
	"free time",
	"busy",
	"today",
	"tonight",
	"tomorrow",
	"yesterday",
	"this week",
	"next week",
	"weekend",

	// weekdays
	"monday",
	"tuesday",
	"wednesday",
	"thursday",
	"friday",
	"saturday",
	"sunday",

	// query phrases
	"what's on",
	"what is on",
	"am i free",
	"do i have",
	"when is my",
	"what time is",

	// event types
	"dentist",
	"doctor",
	"lunch",
	"dinner",
	"call with",
	"interview",
	"birthday",
	"flight",
	"standup",
	"haircut",
	"gym",
	"party",
}

// Classify returns the Intent for message.
func Classify(message string) Intent {
	in, _ := Match(message)
	return in
}

// Match returns the Intent for message and the keyword that selected it.
// The keyword is empty when no keyword matched.
func Match(message string) (Intent, string) {
	lower := strings.ToLower(message)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return Calendar, kw
		}
	}
	return QA, ""
}
