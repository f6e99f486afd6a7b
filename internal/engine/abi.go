package engine

// ABIVersion is the version of the enginebind C ABI this module speaks. A native
// library reporting a different major version is rejected at commit.
const ABIVersion uint32 = 1

// C ABI exported by native engines, static or dynamic. All functions returning int32
// return 0 on success and a non-zero status otherwise; enginebind_last_error then
// describes the failure. Name lists are packed as NUL-separated UTF-8.
//
//	uint32_t    enginebind_api_version(void);
//	int32_t     enginebind_create_tensor(int32_t dtype, const int64_t *shape, uint64_t rank,
//	                                     const void *data, uint64_t nbytes, void **out);
//	int32_t     enginebind_tensor_info(void *t, int32_t *dtype, int64_t *shape,
//	                                   uint64_t capacity, uint64_t *rank);
//	int32_t     enginebind_tensor_data(void *t, void **data, uint64_t *nbytes);
//	void        enginebind_release_tensor(void *t);
//	int32_t     enginebind_create_session(const char *path, int32_t threads, void **out);
//	void        enginebind_release_session(void *s);
//	int32_t     enginebind_run(void *s, const char *in_names, void *const *ins, uint64_t n_in,
//	                           const char *out_names, uint64_t n_out, void **outs);
//	const char *enginebind_last_error(void);
//
// Optional training entry points:
//
//	int32_t enginebind_set_seed(int64_t seed);
//	int32_t enginebind_train_step(void *s, const char *in_names, void *const *ins,
//	                              uint64_t n_in, float *loss);
const (
	SymAPIVersion     = "enginebind_api_version"
	SymCreateTensor   = "enginebind_create_tensor"
	SymTensorInfo     = "enginebind_tensor_info"
	SymTensorData     = "enginebind_tensor_data"
	SymReleaseTensor  = "enginebind_release_tensor"
	SymCreateSession  = "enginebind_create_session"
	SymReleaseSession = "enginebind_release_session"
	SymRun            = "enginebind_run"
	SymLastError      = "enginebind_last_error"
	SymSetSeed        = "enginebind_set_seed"
	SymTrainStep      = "enginebind_train_step"
)

// MaxRank bounds tensor ranks exchanged over the ABI.
const MaxRank = 16

// RequiredSymbols lists the symbols a native library must export.
func RequiredSymbols() []string {
	return []string{
		SymAPIVersion,
		SymCreateTensor,
		SymTensorInfo,
		SymTensorData,
		SymReleaseTensor,
		SymCreateSession,
		SymReleaseSession,
		SymRun,
		SymLastError,
	}
}

// OptionalSymbols lists symbols bound when present and stubbed otherwise.
func OptionalSymbols() []string {
	return []string{SymSetSeed, SymTrainStep}
}

// PackNames joins names into the NUL-separated form used by the ABI.
func PackNames(names []string) []byte {
	n := 0
	for _, s := range names {
		n += len(s) + 1
	}
	buf := make([]byte, 0, n+1)
	for _, s := range names {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	// trailing NUL keeps an empty list a valid C string
	return append(buf, 0)
}
