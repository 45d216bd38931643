// Package sensei implements a Discord bot that welcomes new members and
// hands out an educational "term of the day" produced by a generative
// language model.
//
// Terms can be acquired in one of two ways:
//
//   - locally, where the bot owns a [TermService] backed by the
//     `used_terms` table and calls an OpenAI-compatible chat completion
//     endpoint directly.
//   - remotely, where the bot's [EngineClient] posts to a [Connector],
//     which relays the request unmodified to an [Engine] hosting its own
//     [TermService].
//
// In both cases recently issued terms for a category are listed in the
// generation prompt so the model avoids repeating them. The exclusion is
// advisory: a repeated suggestion is still accepted.
//
// Key components:
//
//   - Bot: gateway connection, prefix command dispatch, welcome messages
//     and the optional daily term schedule.
//   - TermService: prompt construction, response parsing and the term log.
//   - Engine: HTTP service exposing TermService.
//   - Connector: stateless HTTP relay in front of the Engine.
package sensei
