// Package hwtest is the core of a HALT/HASS hardware stress-test stand.
//
// A test stand stresses units under test through environmental profiles
// (thermal cycles, vibration) while continuously checking that measured
// values stay inside state-dependent acceptance bounds. The packages in
// this module cover the four concerns such a stand needs:
//
//   - stream: a compact binary telemetry protocol over NATS. Producers
//     publish a self-describing schema alongside packed sample batches;
//     consumers gate data on the schema and detect producer restarts by
//     schema id.
//
//   - rack: instrument lifecycle orchestration. Drivers are resolved from
//     a registry, identities verified against configuration, and channels
//     wired to bus subjects. Failures are isolated per instrument.
//
//   - threshold, state, monitor: per-environmental-state acceptance bounds,
//     the controller that tracks the current state, and the monitor that
//     evaluates telemetry batches into PASS/FAIL/SKIP/ERROR verdicts.
//
//   - recorder: sqlite persistence of test runs, units, and failures, with
//     per-unit outcomes derived from recorded facts.
//
// cmd/hwtest ties these together into a CLI: validate a configuration,
// watch a rack's status traffic, or serve a complete stand.
package hwtest
