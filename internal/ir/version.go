package ir

// EngineVersion is the unit-of-work engine version reported by the CLI.
const EngineVersion = "0.1.0"
