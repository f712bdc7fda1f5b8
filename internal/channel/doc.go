// Package channel carries messages between the operator and agents.
//
// All messages share the flat agent-commands collection. A message from the
// operator has from "admin"; a proactive message from an agent has from set
// to the agent id. Observe builds one agent's conversation from two live
// queries, to == agent and from == agent, merged by Merge.
//
// Messages move pending → in-progress → completed | failed. An agent picks
// a message up with Claim and closes it with Respond. Conversation adds the
// sender's optimistic view on top of Observe. AutoFailer fails operator
// messages that an offline agent left unanswered for too long.
package channel
