// Package quality asks an external reviewer process to judge a step's
// outputs against declared quality criteria. It expands a step's reviews into
// independent tasks, fans them out, and parses each reviewer response against
// a fixed JSON schema. The same rendering is reused to produce self-review
// instructions when no reviewer process should run.
package quality
