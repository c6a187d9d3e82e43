package driver

// PortAudioDriver needs a real sound card and the PortAudio native
// library to construct, so this is a compile-time check only: the
// behavioral contract is exercised by TestNullDriverImplementsDriver
// and friends against the software-clock driver instead.
var _ Driver = (*PortAudioDriver)(nil)
