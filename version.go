package conclave

// Version is the engine release version
const Version = "0.3.0"
