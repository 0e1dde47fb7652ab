// Package kikebot implements a Discord bot that relays chat messages to a
// language model and posts the generated replies back to the channel.
//
// A single conversation transcript is shared by everyone talking to the bot.
// It is stored as a JSON array on disk and rewritten after every change.
// Requests are serialized through one FIFO queue drained by one worker, so
// only one generation call is ever in flight.
//
// Key components of the package:
//
//   - KikeBot: owns the session state and wires Discord events to the queue.
//   - History: the persisted conversation transcript.
//   - PersonaStore: named priming prompts that redefine the bot's behavior.
//   - ReplyQueue: the FIFO of pending jobs.
//   - Gateway: the language model backend, either the paid OpenAI API or an
//     ordered chain of fallback providers.
//   - API: an optional admin HTTP API.
//
// Supported slash commands:
//
//   - /chat: ask the bot something.
//   - /reset: clear the conversation.
//   - /persona: switch to another persona.
//   - /replyall: toggle replying to every message in the reply-all channel.
//   - /private and /public: toggle ephemeral replies.
//   - /help: list the commands.
package kikebot
