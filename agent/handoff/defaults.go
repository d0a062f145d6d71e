package handoff

import "github.com/BaSui01/voxagent/agent/voice"

// Default persona names.
const (
	FrontDesk = "frontdesk"
	Support   = "support"
	Booking   = "booking"
)

const frontDeskInstructions = `You are Jarvis, a calm and dependable personal voice assistant.
Prefer execution over conversation whenever a tool can do the job, and never invent facts or system state.
Keep answers short, clear and professional.
Use the tool call_support_agent when the user has a technical issue.
Use the tool call_booking_agent when the user wants to book an appointment.
If the chat context is not empty, reference it when greeting the user and say something like "Welcome back".`

const supportInstructions = `You are a helpful voice AI assistant.
Greet the user by saying your name is Sourabh.
The topic of the technical issue is {{topic}}.
When the issue is resolved, ask the user if they want to talk to Jarvis again.
If not, end the conversation with the tool end_conversation.`

const bookingInstructions = `You are a helpful voice AI assistant.
Greet the user by saying your name is Jessica.
The topic of the booking is {{appointment_topic}}.
When the booking was successful, ask the user if they want to talk to Jarvis again.
If not, end the conversation with the tool end_conversation.`

var backToFrontDesk = Route{
	Tool:        "call_frontdesk_agent",
	Target:      FrontDesk,
	Description: "Call when the user wants to talk to Jarvis again.",
	Utterance:   "Connecting you back to Jarvis.",
}

// DefaultSpecs 返回默认的前台、技术支持与预约三个人设。
func DefaultSpecs() []Spec {
	specialist := voice.Profile{TTSProvider: "deepgram", Voice: "aura-asteria-en"}
	return []Spec{
		{
			Name:         FrontDesk,
			Instructions: frontDeskInstructions,
			Tools:        []string{AllTools},
			Routes: []Route{
				{
					Tool:             "call_support_agent",
					Target:           Support,
					Description:      "Call when the user has a technical issue.",
					Param:            "topic",
					ParamDescription: "Topic of the technical issue",
					Utterance:        "Connecting you to our support agent Sourabh with the topic of {{topic}}.",
				},
				{
					Tool:             "call_booking_agent",
					Target:           Booking,
					Description:      "Call when the user wants to book an appointment.",
					Param:            "appointment_topic",
					ParamDescription: "Topic of the appointment",
					Utterance:        "Connecting you to our booking agent Jessica with the topic of {{appointment_topic}}.",
				},
			},
		},
		{
			Name:         Support,
			Instructions: supportInstructions,
			Routes:       []Route{backToFrontDesk},
			Profile:      specialist,
		},
		{
			Name:         Booking,
			Instructions: bookingInstructions,
			Routes:       []Route{backToFrontDesk},
			Profile:      specialist,
		},
	}
}
