package capfd

// Rights is the 64-bit bitmask of operations a descriptor-table entry
// authorises, matching the "base"/"inheriting" split of spec.md §3.
type Rights uint64

// Individual rights bits. Naming follows the guest syscall surface of
// spec.md §6 so a grep for the syscall name finds its right.
const (
	RightFDDataSync Rights = 1 << iota
	RightFDRead
	RightFDSeek
	RightFDStatSetFlags
	RightFDSync
	RightFDTell
	RightFDWrite
	RightFDAdvise
	RightFDAllocate
	RightPathCreateDirectory
	RightPathCreateFile
	RightPathLinkSource
	RightPathLinkTarget
	RightPathOpen
	RightFDReaddir
	RightPathReadlink
	RightPathRenameSource
	RightPathRenameTarget
	RightPathFilestatGet
	RightPathFilestatSetSize
	RightPathFilestatSetTimes
	RightFDFilestatGet
	RightFDFilestatSetSize
	RightFDFilestatSetTimes
	RightPathSymlink
	RightPathRemoveDirectory
	RightPathUnlinkFile
	RightPollFDReadwrite
	RightSockShutdown
	RightSockAcceptFDs // in the base rights rightsForKind gives sockets; no operation here checks it
)

// Has reports whether all bits of want are set in r.
func (r Rights) Has(want Rights) bool { return want&^r == 0 }

// RightsForKind exposes rightsForKind for fd_create1/fd_create2: a freshly
// created descriptor (memfd, unconnected or paired socket) has no host
// resource to Probe yet, so its rights come straight from the Kind the
// guest asked to create.
func RightsForKind(k Kind) (base, inheriting Rights) { return rightsForKind(k) }

// rightsForKind returns the maximal {base, inheriting} rights a freshly
// classified descriptor of the given Kind may carry (spec.md §4.2
// type_rights). fs_flags read/write stripping (per the access mode) is
// applied by the caller after this.
func rightsForKind(k Kind) (base, inheriting Rights) {
	dirRights := Rights(0) |
		RightFDDataSync | RightFDSync | RightFDAdvise |
		RightPathCreateDirectory | RightPathCreateFile |
		RightPathLinkSource | RightPathLinkTarget | RightPathOpen |
		RightFDReaddir | RightPathReadlink |
		RightPathRenameSource | RightPathRenameTarget |
		RightPathFilestatGet | RightPathFilestatSetSize | RightPathFilestatSetTimes |
		RightFDFilestatGet | RightFDFilestatSetTimes |
		RightPathSymlink | RightPathRemoveDirectory | RightPathUnlinkFile

	fileRights := Rights(0) |
		RightFDDataSync | RightFDRead | RightFDSeek | RightFDStatSetFlags |
		RightFDSync | RightFDTell | RightFDWrite | RightFDAdvise | RightFDAllocate |
		RightFDFilestatGet | RightFDFilestatSetSize | RightFDFilestatSetTimes |
		RightPollFDReadwrite

	switch k {
	case KindDirectory:
		return dirRights, dirRights | fileRights
	case KindRegularFile:
		return fileRights, 0
	case KindBlockDevice, KindCharDevice, KindTTY:
		return fileRights &^ (RightFDAllocate), 0
	case KindSocketStream, KindSocketDgram:
		return fileRights&^(RightFDSeek|RightFDTell|RightFDAllocate) | RightSockShutdown | RightSockAcceptFDs, 0
	case KindSharedMemory:
		return RightFDFilestatGet | RightFDFilestatSetSize | RightFDRead | RightFDWrite, 0
	default:
		return 0, 0
	}
}
