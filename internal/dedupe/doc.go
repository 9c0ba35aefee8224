// Package dedupe suppresses redelivered inbound messages. Channel providers
// retry webhooks, so the same patient message can arrive more than once;
// the gateway marks each provider message id here for a short window.
package dedupe
