// Package chat is the message engine: it creates, edits, recalls and pins messages,
// tracks read state, keeps each conversation's denormalized last message in sync,
// and renders every stored message per viewer before it is broadcast.
//
// Stored state is viewer independent. Everything personal (recall visibility,
// "you added X" system sentences, reactedByMe) is computed by Project.
package chat
