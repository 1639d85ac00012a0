// Package chat implements chat.send/chat.abort streaming and chat.history
// loading for one session.
//
// A Stream owns the ordered messages of one session view. Send appends an
// optimistic draft user message before any round trip, then each assistant
// delta event replaces the in-progress reply with the full text so far. The
// final event gives the reply its durable id.
//
// HistoryLoader never trusts an empty chat.history result: the gateway can
// answer before its transcript is available, so an empty reply is followed
// by a GET on the gateway's /ws/api/history endpoint.
package chat
